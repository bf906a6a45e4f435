package sshsession

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"sshtunnel-proxy-go/internal/model"
)

// Session is one live, authenticated connection. It is used by a single
// request at a time; Run may be called several times, Upload opens an SFTP
// channel on first use.
type Session struct {
	id     int64
	client *ssh.Client
	logger *slog.Logger

	mu   sync.Mutex
	sftp *sftp.Client

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

// Run executes cmd on the remote host and waits for it to finish. A non-zero
// exit status is reported in the result, not as an error. When ctx expires the
// remote process is signalled and the command's channel is closed.
func (s *Session) Run(ctx context.Context, cmd string) (*model.ExecutionResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, classify(ctx, "run", KindTransport, err)
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(cmd); err != nil {
		return nil, classify(ctx, "run", KindTransport, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return nil, classify(ctx, "run", KindTransport, ctx.Err())
	}

	status := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, classify(ctx, "run", KindTransport, err)
		}
		status = exitErr.ExitStatus()
	}

	return &model.ExecutionResult{
		ExitStatus: status,
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
	}, nil
}

// Upload copies the local file to remotePath, truncating any existing file.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return classify(ctx, "upload", KindTransport, err)
	}

	client, err := s.sftpClient()
	if err != nil {
		return classify(ctx, "upload", KindTransport, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return classify(ctx, "upload", KindTransport, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := client.Create(remotePath)
	if err != nil {
		return classify(ctx, "upload", KindTransport, fmt.Errorf("create %s: %w", remotePath, err))
	}
	stop := context.AfterFunc(ctx, func() { _ = dst.Close() })
	defer stop()

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return classify(ctx, "upload", KindTransport, fmt.Errorf("write %s: %w", remotePath, err))
	}
	if err := dst.Close(); err != nil {
		return classify(ctx, "upload", KindTransport, fmt.Errorf("close %s: %w", remotePath, err))
	}
	return nil
}

// Mkdir creates dir on the remote host, readable only by the session user.
// The parent must already exist.
func (s *Session) Mkdir(ctx context.Context, dir string) error {
	client, err := s.sftpClient()
	if err != nil {
		return classify(ctx, "mkdir", KindTransport, err)
	}
	if err := client.Mkdir(dir); err != nil {
		return classify(ctx, "mkdir", KindTransport, fmt.Errorf("%s: %w", dir, err))
	}
	if err := client.Chmod(dir, 0o700); err != nil {
		return classify(ctx, "mkdir", KindTransport, fmt.Errorf("chmod %s: %w", dir, err))
	}
	return nil
}

// RemoveAll deletes dir and its contents on the remote host.
func (s *Session) RemoveAll(ctx context.Context, dir string) error {
	res, err := s.Run(ctx, shellquote.Join("rm", "-rf", "--", dir))
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		return &Error{
			Kind: KindTransport,
			Op:   "remove",
			Err:  fmt.Errorf("rm %s exited %d: %s", dir, res.ExitStatus, bytes.TrimSpace(res.Stderr)),
		}
	}
	return nil
}

// Close tears down the SFTP channel (if any) and the connection. Safe to call
// more than once; only the first call does anything.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		s.mu.Lock()
		if s.sftp != nil {
			if err := s.sftp.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close sftp: %w", err))
			}
			s.sftp = nil
		}
		s.mu.Unlock()

		if err := s.client.Close(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		if s.onClose != nil {
			s.onClose()
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Debug("ssh session closed")
	})
	return s.closeErr
}

func (s *Session) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	s.sftp = c
	return c, nil
}
