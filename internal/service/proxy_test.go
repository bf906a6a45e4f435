package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"sshtunnel-proxy-go/internal/command"
	"sshtunnel-proxy-go/internal/config"
	"sshtunnel-proxy-go/internal/model"
	"sshtunnel-proxy-go/internal/sshsession"
	"sshtunnel-proxy-go/internal/staging"
)

// fakeSession records every call in order, shared with its source.
type fakeSession struct {
	src       *fakeSource
	result    *model.ExecutionResult
	runErr    error
	uploadErr error
}

func (f *fakeSession) Run(_ context.Context, cmd string) (*model.ExecutionResult, error) {
	f.src.record("run " + cmd)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.result, nil
}

func (f *fakeSession) Mkdir(_ context.Context, dir string) error {
	f.src.record("mkdir " + dir)
	return nil
}

func (f *fakeSession) Upload(_ context.Context, localPath, remotePath string) error {
	f.src.record("upload " + filepath.Base(remotePath))
	return f.uploadErr
}

func (f *fakeSession) RemoveAll(_ context.Context, dir string) error {
	f.src.record("rm " + dir)
	return nil
}

type fakeSource struct {
	mu         sync.Mutex
	calls      []string
	acquireErr error
	session    *fakeSession
	released   int
}

func (f *fakeSource) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSource) Acquire(context.Context) (Session, error) {
	f.record("acquire")
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.session, nil
}

func (f *fakeSource) Release(Session) {
	f.record("release")
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

func newSource(result *model.ExecutionResult) *fakeSource {
	src := &fakeSource{}
	src.session = &fakeSession{src: src, result: result}
	return src
}

func newTestService(src *fakeSource) *ForwardService {
	cfg := &config.Config{
		Backend: config.BackendConfig{
			Host:                  "localhost",
			Port:                  8080,
			ProbePath:             "/hello",
			HTTPClient:            "curl",
			CommandTimeoutSeconds: 5,
		},
		Staging: config.StagingConfig{RemoteRoot: "/tmp", DirPrefix: "up", Concurrency: 2},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewForwardService(src, staging.NewStager(cfg, logger, nil), command.NewExecutor(cfg, logger, nil), logger)
}

// kinds strips call arguments so sequences can be compared.
func kinds(calls []string) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i], _, _ = strings.Cut(c, " ")
	}
	return out
}

func TestForward_JSON(t *testing.T) {
	src := newSource(&model.ExecutionResult{Stdout: []byte(`{"sum":5}`)})
	s := newTestService(src)

	fr := &model.ForwardRequest{
		Method: http.MethodPost,
		Path:   "/add",
		Header: http.Header{},
		Body:   model.Body{Kind: model.BodyJSON, JSON: `{"num1":2,"num2":3}`},
	}
	res, err := s.Forward(context.Background(), fr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if string(res.Stdout) != `{"sum":5}` {
		t.Errorf("Stdout = %s", res.Stdout)
	}

	if diff := cmp.Diff([]string{"acquire", "run", "release"}, kinds(src.calls)); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(src.calls[1], "http://localhost:8080/add") {
		t.Errorf("command = %s", src.calls[1])
	}
}

func TestForward_MultipartStagesAndCleansUp(t *testing.T) {
	src := newSource(&model.ExecutionResult{Stdout: []byte("ok")})
	s := newTestService(src)

	local := filepath.Join(t.TempDir(), "spool")
	if err := os.WriteFile(local, []byte("img"), 0o600); err != nil {
		t.Fatal(err)
	}
	fr := &model.ForwardRequest{
		Method: http.MethodPatch,
		Path:   "/profile",
		Header: http.Header{},
		Body: model.Body{
			Kind:   model.BodyMultipart,
			Fields: []model.FormField{{Name: "userInfo", Value: `{"name":"a"}`}},
			Files:  []model.UploadedFile{{Field: "avatar", Filename: "me.png", LocalPath: local, Size: 3}},
		},
	}

	if _, err := s.Forward(context.Background(), fr); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	want := []string{"acquire", "mkdir", "upload", "run", "rm", "release"}
	if diff := cmp.Diff(want, kinds(src.calls)); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
	run := src.calls[3]
	if !strings.Contains(run, "avatar=@/tmp/up-") || !strings.Contains(run, "/me.png") {
		t.Errorf("command does not reference staged file: %s", run)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Errorf("local spool file survived staging")
	}
}

func TestForward_FieldsWithoutFilesSkipStaging(t *testing.T) {
	src := newSource(&model.ExecutionResult{})
	s := newTestService(src)

	fr := &model.ForwardRequest{
		Method: http.MethodPost,
		Path:   "/form",
		Header: http.Header{},
		Body:   model.Body{Kind: model.BodyMultipart, Fields: []model.FormField{{Name: "a", Value: "b"}}},
	}
	if _, err := s.Forward(context.Background(), fr); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if diff := cmp.Diff([]string{"acquire", "run", "release"}, kinds(src.calls)); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestForward_AcquireFailure(t *testing.T) {
	src := newSource(nil)
	src.acquireErr = &sshsession.Error{Kind: sshsession.KindConnectFailed, Op: "handshake", Err: errors.New("unable to authenticate")}
	s := newTestService(src)

	_, err := s.Forward(context.Background(), &model.ForwardRequest{Method: http.MethodGet, Path: "/x", Header: http.Header{}})

	var se *sshsession.Error
	if !errors.As(err, &se) || se.Kind != sshsession.KindConnectFailed {
		t.Fatalf("Forward() error = %v, want KindConnectFailed", err)
	}
	if src.released != 0 {
		t.Errorf("released %d sessions that were never acquired", src.released)
	}
}

func TestForward_StagingFailureReleasesSession(t *testing.T) {
	src := newSource(nil)
	src.session.uploadErr = errors.New("sftp: permission denied")
	s := newTestService(src)

	local := filepath.Join(t.TempDir(), "spool")
	if err := os.WriteFile(local, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	fr := &model.ForwardRequest{
		Method: http.MethodPost,
		Path:   "/upload",
		Header: http.Header{},
		Body: model.Body{Kind: model.BodyMultipart, Files: []model.UploadedFile{
			{Field: "f", Filename: "a.txt", LocalPath: local},
		}},
	}

	_, err := s.Forward(context.Background(), fr)
	var se *staging.Error
	if !errors.As(err, &se) || se.Kind != staging.KindTransferFailed || se.File != "a.txt" {
		t.Fatalf("Forward() error = %v, want TransferFailed for a.txt", err)
	}
	if src.released != 1 {
		t.Errorf("released = %d, want 1", src.released)
	}
	for _, k := range kinds(src.calls) {
		if k == "run" {
			t.Errorf("backend call made after staging failure: %v", src.calls)
		}
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Errorf("local spool file survived failed staging")
	}
}

func TestForward_RunFailureStillCleansUp(t *testing.T) {
	src := newSource(nil)
	src.session.runErr = &sshsession.Error{Kind: sshsession.KindTimeout, Op: "run", Err: context.DeadlineExceeded}
	s := newTestService(src)

	local := filepath.Join(t.TempDir(), "spool")
	if err := os.WriteFile(local, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	fr := &model.ForwardRequest{
		Method: http.MethodPost,
		Path:   "/upload",
		Header: http.Header{},
		Body: model.Body{Kind: model.BodyMultipart, Files: []model.UploadedFile{
			{Field: "f", Filename: "a.txt", LocalPath: local},
		}},
	}

	_, err := s.Forward(context.Background(), fr)
	if !sshsession.IsTimeout(err) {
		t.Fatalf("Forward() error = %v, want timeout", err)
	}
	want := []string{"acquire", "mkdir", "upload", "run", "rm", "release"}
	if diff := cmp.Diff(want, kinds(src.calls)); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestProbe(t *testing.T) {
	src := newSource(&model.ExecutionResult{Stdout: []byte("hello")})
	s := newTestService(src)

	res, err := s.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if string(res.Stdout) != "hello" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if diff := cmp.Diff([]string{"acquire", "run", "release"}, kinds(src.calls)); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(src.calls[1], "http://localhost:8080/hello") {
		t.Errorf("probe command = %s", src.calls[1])
	}
}
