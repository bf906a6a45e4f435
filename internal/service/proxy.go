// Package service implements the request forwarding pipeline:
// acquire a session, stage uploads, run the backend call, release.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sshtunnel-proxy-go/internal/command"
	"sshtunnel-proxy-go/internal/model"
	"sshtunnel-proxy-go/internal/sshsession"
	"sshtunnel-proxy-go/internal/staging"
)

// Session is what one forwarded request needs from a live connection.
type Session interface {
	command.Runner
	staging.Remote
}

// SessionSource hands out per-request sessions.
type SessionSource interface {
	Acquire(ctx context.Context) (Session, error)
	Release(Session)
}

// ManagerSource adapts an sshsession.Manager to SessionSource.
func ManagerSource(m *sshsession.Manager) SessionSource {
	return managerSource{m: m}
}

type managerSource struct {
	m *sshsession.Manager
}

func (s managerSource) Acquire(ctx context.Context) (Session, error) {
	sess, err := s.m.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s managerSource) Release(sess Session) {
	if ss, ok := sess.(*sshsession.Session); ok {
		s.m.Release(ss)
	}
}

// ForwardService runs ForwardRequests against the backend.
type ForwardService struct {
	sessions SessionSource
	stager   *staging.Stager
	executor *command.Executor
	logger   *slog.Logger
}

// NewForwardService creates a ForwardService.
func NewForwardService(sessions SessionSource, stager *staging.Stager, executor *command.Executor, logger *slog.Logger) *ForwardService {
	return &ForwardService{
		sessions: sessions,
		stager:   stager,
		executor: executor,
		logger:   logger.With("component", "forward_service"),
	}
}

// Forward executes fr on the remote host and returns the raw result. A fresh
// session is used and released on every path; staged files are removed from
// the remote host before the session is released.
func (s *ForwardService) Forward(ctx context.Context, fr *model.ForwardRequest) (*model.ExecutionResult, error) {
	start := time.Now()

	sess, err := s.sessions.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer s.sessions.Release(sess)

	var staged []model.StagedFile
	if len(fr.Body.Files) > 0 {
		area, err := s.stager.Stage(ctx, sess, fr.Body.Files)
		if err != nil {
			return nil, fmt.Errorf("stage uploads: %w", err)
		}
		defer s.stager.Cleanup(ctx, sess, area)
		staged = area.Files
	}

	res, err := s.executor.Execute(ctx, sess, s.executor.Invocation(fr, staged))
	if err != nil {
		return nil, err
	}

	s.logger.Debug("request forwarded",
		"method", fr.Method,
		"path", fr.Path,
		"exit_status", res.ExitStatus,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// Probe runs the fixed reachability check on a fresh session.
func (s *ForwardService) Probe(ctx context.Context) (*model.ExecutionResult, error) {
	sess, err := s.sessions.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer s.sessions.Release(sess)

	return s.executor.Probe(ctx, sess)
}
