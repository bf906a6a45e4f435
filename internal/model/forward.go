// Package model defines shared types for the forwarding pipeline.
package model

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
)

// BodyKind tags the representation carried by a Body.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyJSON
	BodyMultipart
)

func (k BodyKind) String() string {
	switch k {
	case BodyJSON:
		return "json"
	case BodyMultipart:
		return "multipart"
	default:
		return "none"
	}
}

// QueryParam is a single query key/value pair. Order is preserved and keys may repeat.
type QueryParam struct {
	Key   string
	Value string
}

// FormField is a plain (non-file) multipart field.
type FormField struct {
	Name  string
	Value string
}

// UploadedFile is a multipart file part spooled to local temporary storage.
type UploadedFile struct {
	Field     string
	Filename  string
	LocalPath string
	Size      int64
}

// StagedFile is an UploadedFile that has been copied to the remote host.
type StagedFile struct {
	UploadedFile
	RemotePath string
}

// Body is the tagged union of inbound request bodies.
type Body struct {
	Kind   BodyKind
	JSON   string
	Fields []FormField
	Files  []UploadedFile
}

// ForwardRequest is the translated form of an inbound HTTP request.
type ForwardRequest struct {
	Method string
	Path   string
	Query  []QueryParam
	Header http.Header
	Body   Body
}

// Cleanup removes any local temporary files still referenced by the request.
// It is safe to call more than once.
func (r *ForwardRequest) Cleanup() error {
	if r == nil {
		return nil
	}
	return RemoveLocalFiles(r.Body.Files)
}

// RemoveLocalFiles deletes the local temp storage of each file, ignoring files already gone.
func RemoveLocalFiles(files []UploadedFile) error {
	var errs []error
	for _, f := range files {
		if f.LocalPath == "" {
			continue
		}
		if err := os.Remove(f.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvocationSpec describes the backend call to make from the remote host,
// independent of how it is rendered into a command line.
type InvocationSpec struct {
	Method string
	URL    string
	Header http.Header
	Body   InvocationBody
}

// InvocationBody is the body of an InvocationSpec. Files reference remote paths only.
type InvocationBody struct {
	Kind   BodyKind
	JSON   string
	Fields []FormField
	Files  []StagedFile
}

// ExecutionResult is the outcome of one remote command.
type ExecutionResult struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// HTTPResponse is the interpreted reply to send back to the caller.
type HTTPResponse struct {
	StatusCode int
	// JSON is set when the body is a JSON document; otherwise Text is sent as plain text.
	JSON []byte
	Text string
}
