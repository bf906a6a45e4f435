// Package command renders backend calls as curl command lines and runs them
// over an SSH session.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"sshtunnel-proxy-go/internal/config"
	"sshtunnel-proxy-go/internal/metrics"
	"sshtunnel-proxy-go/internal/model"
	"sshtunnel-proxy-go/internal/staging"
)

// Runner executes one command line on the remote host.
type Runner interface {
	Run(ctx context.Context, cmd string) (*model.ExecutionResult, error)
}

// Executor builds and runs backend invocations. It never retries.
type Executor struct {
	client    string
	baseURL   string
	probePath string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewExecutor creates an Executor. The metrics parameter is optional.
func NewExecutor(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		client:    cfg.Backend.HTTPClient,
		baseURL:   cfg.Backend.BaseURL(),
		probePath: cfg.Backend.ProbePath,
		timeout:   time.Duration(cfg.Backend.CommandTimeoutSeconds) * time.Second,
		logger:    logger.With("component", "executor"),
		metrics:   m,
	}
}

// Invocation builds the backend call for fr. Files must already be staged;
// staged replaces fr's local file references.
func (e *Executor) Invocation(fr *model.ForwardRequest, staged []model.StagedFile) *model.InvocationSpec {
	return &model.InvocationSpec{
		Method: fr.Method,
		URL:    targetURL(e.baseURL, fr.Path, fr.Query),
		Header: fr.Header,
		Body: model.InvocationBody{
			Kind:   fr.Body.Kind,
			JSON:   fr.Body.JSON,
			Fields: fr.Body.Fields,
			Files:  staged,
		},
	}
}

// Execute renders spec and runs it exactly once, bounded by the command timeout.
func (e *Executor) Execute(ctx context.Context, runner Runner, spec *model.InvocationSpec) (*model.ExecutionResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.logger.Debug("running backend call",
		"method", spec.Method,
		"url", spec.URL,
		"body", spec.Body.Kind.String(),
		"files", len(spec.Body.Files),
	)

	start := time.Now()
	res, err := runner.Run(ctx, Render(e.client, spec))
	if err != nil {
		return nil, fmt.Errorf("execute %s %s: %w", spec.Method, spec.URL, err)
	}

	if e.metrics != nil {
		method := metrics.NormalizeMethod(spec.Method)
		e.metrics.CommandDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		e.metrics.CommandExits.WithLabelValues(method, strconv.Itoa(res.ExitStatus)).Inc()
	}
	if res.ExitStatus != 0 {
		e.logger.Warn("backend call exited non-zero",
			"method", spec.Method,
			"url", spec.URL,
			"exit_status", res.ExitStatus,
		)
	}
	return res, nil
}

// Probe runs the fixed reachability check against the backend.
func (e *Executor) Probe(ctx context.Context, runner Runner) (*model.ExecutionResult, error) {
	return e.Execute(ctx, runner, &model.InvocationSpec{
		Method: http.MethodGet,
		URL:    targetURL(e.baseURL, e.probePath, nil),
		Header: http.Header{},
	})
}

// Render produces a single shell command line for spec. Every argument is
// single-quoted, so header and body content is never interpreted by the
// remote shell.
func Render(client string, spec *model.InvocationSpec) string {
	args := []string{client, "-sS", "-X", spec.Method}

	keys := make([]string, 0, len(spec.Header))
	for k := range spec.Header {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range spec.Header[k] {
			args = append(args, "-H", headerArg(k, v))
		}
	}

	switch spec.Body.Kind {
	case model.BodyJSON:
		if spec.Header.Get("Content-Type") == "" {
			args = append(args, "-H", "Content-Type: application/json")
		}
		args = append(args, "--data-raw", spec.Body.JSON)
	case model.BodyMultipart:
		for _, f := range spec.Body.Fields {
			args = append(args, "--form-string", f.Name+"="+f.Value)
		}
		for _, f := range spec.Body.Files {
			args = append(args, "-F", f.Field+"=@"+f.RemotePath+";filename="+staging.SanitizeFilename(f.Filename))
		}
	}

	args = append(args, spec.URL)

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quote(a)
	}
	return strings.Join(quoted, " ")
}

// headerArg formats one -H argument. curl drops a header written as "K: "
// with nothing after the colon; "K;" sends it with an empty value.
func headerArg(k, v string) string {
	if strings.TrimSpace(v) == "" {
		return k + ";"
	}
	return k + ": " + v
}

// quote wraps s in single quotes. Backslash escaping alone leaves braces and
// '#' live in bash.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// targetURL joins base, path and the ordered query. An empty query adds no "?".
func targetURL(base, path string, query []model.QueryParam) string {
	u := base + (&url.URL{Path: path}).EscapedPath()
	if len(query) == 0 {
		return u
	}
	pairs := make([]string, len(query))
	for i, q := range query {
		pairs[i] = url.QueryEscape(q.Key) + "=" + url.QueryEscape(q.Value)
	}
	return u + "?" + strings.Join(pairs, "&")
}
