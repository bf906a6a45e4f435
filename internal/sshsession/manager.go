// Package sshsession manages authenticated SSH sessions to the intermediary host.
// Each forwarded request acquires its own session and releases it when done.
package sshsession

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"sshtunnel-proxy-go/internal/config"
	"sshtunnel-proxy-go/internal/metrics"
)

// lastSessionID is the last allocated session number, for logging only.
var lastSessionID atomic.Int64

// Manager opens sessions to one configured host.
type Manager struct {
	addr           string
	clientConfig   *ssh.ClientConfig
	connectTimeout time.Duration
	slots          *semaphore.Weighted
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewManager creates a Manager from cfg. Credentials and host key settings are
// validated eagerly. The metrics parameter is optional; pass nil to disable recording.
func NewManager(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	cc, err := clientConfig(&cfg.SSH)
	if err != nil {
		return nil, fmt.Errorf("sshsession: %w", err)
	}

	logger = logger.With("component", "ssh_session")
	if cfg.SSH.KnownHosts == "" && cfg.SSH.HostKeyFingerprint == "" {
		logger.Warn("ssh host key verification disabled; set ssh.known_hosts or ssh.host_key_fingerprint",
			"host", cfg.SSH.Host,
		)
	}

	return &Manager{
		addr:           cfg.SSH.Addr(),
		clientConfig:   cc,
		connectTimeout: time.Duration(cfg.SSH.ConnectTimeoutSeconds) * time.Second,
		slots:          semaphore.NewWeighted(int64(cfg.SSH.MaxSessions)),
		logger:         logger,
		metrics:        m,
	}, nil
}

// Acquire dials, authenticates and returns a ready Session. Waiting for a free
// session slot and the SSH handshake together are bounded by the connect timeout.
// The caller must hand the session to Release on every path.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	start := time.Now()

	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, m.failed(classify(ctx, "acquire", KindConnectFailed, err))
	}

	client, err := m.dial(ctx)
	if err != nil {
		m.slots.Release(1)
		return nil, m.failed(err)
	}

	id := lastSessionID.Add(1)
	if m.metrics != nil {
		m.metrics.SessionDuration.Observe(time.Since(start).Seconds())
		m.metrics.SessionAcquisitions.WithLabelValues("ok").Inc()
		m.metrics.SessionsOpen.Inc()
	}
	m.logger.Debug("ssh session established",
		"session", id,
		"addr", m.addr,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Session{
		id:     id,
		client: client,
		logger: m.logger.With("session", id),
		onClose: func() {
			m.slots.Release(1)
			if m.metrics != nil {
				m.metrics.SessionsOpen.Dec()
			}
		},
	}, nil
}

// Release tears the session down. It is nil-safe and idempotent; teardown errors
// are logged and never returned.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		m.logger.Warn("ssh session teardown failed", "session", s.id, "err", err)
	}
}

func (m *Manager) dial(ctx context.Context) (*ssh.Client, *Error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return nil, classify(ctx, "dial", KindConnectFailed, err)
	}

	// The handshake takes no context; bound it by the acquisition deadline and
	// abort it on cancellation.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	c, chans, reqs, err := ssh.NewClientConn(conn, m.addr, m.clientConfig)
	if !stop() && err == nil {
		_ = c.Close()
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, classify(ctx, "handshake", KindConnectFailed, err)
	}

	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (m *Manager) failed(err *Error) error {
	if m.metrics != nil {
		m.metrics.SessionAcquisitions.WithLabelValues(err.Kind.String()).Inc()
	}
	m.logger.Error("ssh session failed", "addr", m.addr, "kind", err.Kind.String(), "err", err.Err)
	return err
}
