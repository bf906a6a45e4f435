// Package translator turns inbound HTTP requests into ForwardRequests.
package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/jpillora/sizestr"

	"sshtunnel-proxy-go/internal/config"
	"sshtunnel-proxy-go/internal/model"
)

// AllowedMethods is the fixed set of methods the proxy forwards.
var AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete}

// droppedHeaders are hop-specific and become invalid once curl re-issues the request.
var droppedHeaders = []string{"Host", "Connection", "Content-Length"}

// Kind classifies translation failures.
type Kind int

const (
	KindMethodNotAllowed Kind = iota + 1
	KindMalformedBody
	KindMalformedMultipart
	KindMissingField
)

// Error is returned by Translate and TranslateAdd.
type Error struct {
	Kind   Kind
	Method string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMethodNotAllowed:
		return fmt.Sprintf("Method %s not allowed. Only %s are supported.", e.Method, strings.Join(AllowedMethods, ", "))
	case KindMalformedBody:
		return fmt.Sprintf("malformed JSON body: %v", e.Err)
	case KindMalformedMultipart:
		return fmt.Sprintf("malformed multipart body: %v", e.Err)
	case KindMissingField:
		return e.Err.Error()
	default:
		return fmt.Sprintf("translation failed: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrMissingOperands is reported when /add is called without usable num1 and num2.
var ErrMissingOperands = errors.New("Missing num1 or num2 in request body") //nolint:staticcheck // user-facing message

// Translator converts requests using the configured routing and staging settings.
type Translator struct {
	routePrefix string
	defaultPath string
	localDir    string
	jsonFields  []string
	logger      *slog.Logger
}

// NewTranslator creates a Translator.
func NewTranslator(cfg *config.Config, logger *slog.Logger) *Translator {
	return &Translator{
		routePrefix: cfg.Backend.RoutePrefix,
		defaultPath: cfg.Backend.DefaultPath,
		localDir:    cfg.Staging.LocalDir,
		jsonFields:  cfg.Backend.JSONFields,
		logger:      logger.With("component", "translator"),
	}
}

// Translate validates r and builds the ForwardRequest for it. Multipart file
// parts are spooled to local temp files; the caller owns them and must call
// Cleanup on the result. On error no temp files are left behind.
func (t *Translator) Translate(r *http.Request) (*model.ForwardRequest, error) {
	if !slices.Contains(AllowedMethods, r.Method) {
		return nil, &Error{Kind: KindMethodNotAllowed, Method: r.Method}
	}

	fr := &model.ForwardRequest{
		Method: r.Method,
		Path:   t.targetPath(r.URL.Path),
		Query:  parseQuery(r.URL.RawQuery),
		Header: filterHeaders(r.Header),
	}

	if isMultipart(r.Header.Get("Content-Type")) {
		body, err := t.readMultipart(r)
		if err != nil {
			return nil, err
		}
		// curl generates its own boundary.
		fr.Header.Del("Content-Type")
		fr.Body = body
		return fr, nil
	}

	if r.Method != http.MethodGet && r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, &Error{Kind: KindMalformedBody, Method: r.Method, Err: err}
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			doc, err := canonicalJSON(raw)
			if err != nil {
				return nil, &Error{Kind: KindMalformedBody, Method: r.Method, Err: err}
			}
			fr.Body = model.Body{Kind: model.BodyJSON, JSON: doc}
		}
	}

	return fr, nil
}

// TranslateAdd builds the fixed backend call behind POST /add. The body must
// carry non-zero numeric num1 and num2, as numbers or numeric strings.
func (t *Translator) TranslateAdd(r *http.Request) (*model.ForwardRequest, error) {
	var in struct {
		Num1 any `json:"num1"`
		Num2 any `json:"num2"`
	}
	if r.Body != nil {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&in); err != nil && !errors.Is(err, io.EOF) {
			return nil, &Error{Kind: KindMalformedBody, Method: r.Method, Err: err}
		}
	}

	num1, ok1 := operand(in.Num1)
	num2, ok2 := operand(in.Num2)
	if !ok1 || !ok2 {
		return nil, &Error{Kind: KindMissingField, Method: r.Method, Err: ErrMissingOperands}
	}

	payload, err := json.Marshal(struct {
		Num1 float64 `json:"num1"`
		Num2 float64 `json:"num2"`
	}{num1, num2})
	if err != nil {
		return nil, &Error{Kind: KindMalformedBody, Method: r.Method, Err: err}
	}

	return &model.ForwardRequest{
		Method: http.MethodPost,
		Path:   "/add",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   model.Body{Kind: model.BodyJSON, JSON: string(payload)},
	}, nil
}

// targetPath strips the route prefix. Anything not under the prefix goes to
// the default path instead of being rejected.
func (t *Translator) targetPath(p string) string {
	if rest, ok := strings.CutPrefix(p, t.routePrefix); ok && strings.HasPrefix(rest, "/") {
		return rest
	}
	return t.defaultPath
}

func (t *Translator) readMultipart(r *http.Request) (model.Body, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return model.Body{}, &Error{Kind: KindMalformedMultipart, Method: r.Method, Err: err}
	}

	body := model.Body{Kind: model.BodyMultipart}
	fail := func(err error) (model.Body, error) {
		if rmErr := model.RemoveLocalFiles(body.Files); rmErr != nil {
			t.logger.Warn("partial upload cleanup failed", "err", rmErr)
		}
		return model.Body{}, &Error{Kind: KindMalformedMultipart, Method: r.Method, Err: err}
	}

	for {
		if err := r.Context().Err(); err != nil {
			return fail(err)
		}
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}

		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if !validFieldName(name) {
			_ = part.Close()
			return fail(fmt.Errorf("invalid field name %q", name))
		}

		if filename := part.FileName(); filename != "" {
			f, err := t.spool(part, name, filename)
			_ = part.Close()
			if err != nil {
				return fail(err)
			}
			body.Files = append(body.Files, f)
			continue
		}

		value, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return fail(err)
		}
		body.Fields = append(body.Fields, model.FormField{Name: name, Value: t.sanitizeField(name, string(value))})
	}

	if len(body.Files) > 0 {
		var total int64
		for _, f := range body.Files {
			total += f.Size
		}
		t.logger.Debug("multipart body spooled",
			"files", len(body.Files),
			"fields", len(body.Fields),
			"size", sizestr.ToString(total),
		)
	}
	return body, nil
}

// spool copies a file part to a local temp file. The file is removed on failure.
func (t *Translator) spool(part *multipart.Part, field, filename string) (model.UploadedFile, error) {
	tmp, err := os.CreateTemp(t.localDir, "sshtunnel-upload-*")
	if err != nil {
		return model.UploadedFile{}, fmt.Errorf("create temp file: %w", err)
	}

	n, copyErr := io.Copy(tmp, part)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return model.UploadedFile{}, fmt.Errorf("spool %s: %w", filename, err)
	}

	return model.UploadedFile{
		Field:     field,
		Filename:  filename,
		LocalPath: tmp.Name(),
		Size:      n,
	}, nil
}

// sanitizeField re-serializes fields that carry JSON documents. A value that
// does not parse is forwarded unchanged.
func (t *Translator) sanitizeField(name, value string) string {
	if !slices.Contains(t.jsonFields, name) {
		return value
	}
	doc, err := canonicalJSON([]byte(value))
	if err != nil {
		t.logger.Warn("field is not valid JSON; forwarding raw value", "field", name, "err", err)
		return value
	}
	return doc
}

// canonicalJSON parses a single JSON document and re-encodes it compactly with
// sorted object keys. Numbers keep their original text.
func canonicalJSON(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", errors.New("unexpected data after JSON document")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// parseQuery splits a raw query string keeping the original order and repeats.
// Pairs that fail to unescape are kept verbatim.
func parseQuery(raw string) []model.QueryParam {
	var params []model.QueryParam
	for pair := range strings.SplitSeq(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		params = append(params, model.QueryParam{Key: k, Value: v})
	}
	return params
}

func filterHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range droppedHeaders {
		dst.Del(h)
	}
	return dst
}

// validFieldName reports whether name can be passed to curl as a form field
// name. curl splits -F and --form-string arguments at the first '=' and reads
// '@' and '<' values as local files, so those and its ';' ',' '"' delimiters
// are rejected along with control characters.
func validFieldName(name string) bool {
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`=;@<",`, r) {
			return false
		}
	}
	return true
}

func isMultipart(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "multipart/form-data"
}

// operand accepts a JSON number or numeric string. Zero counts as missing.
func operand(v any) (float64, bool) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = strings.TrimSpace(x)
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f == 0 {
		return 0, false
	}
	return f, true
}
