package sshsession

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies session failures.
type Kind int

const (
	// KindConnectFailed covers dial, handshake and authentication failures.
	KindConnectFailed Kind = iota + 1
	// KindTimeout means a bounded acquisition or command deadline expired.
	KindTimeout
	// KindTransport is a failure on an established connection (channel, SFTP).
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindConnectFailed:
		return "connect_failed"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is returned by every Manager and Session operation. A command that ran
// and exited non-zero is not an Error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ssh %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a session timeout.
func IsTimeout(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTimeout
}

// classify wraps err as an *Error, promoting deadline expiry to KindTimeout.
func classify(ctx context.Context, op string, fallback Kind, err error) *Error {
	kind := fallback
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = KindTimeout
	case deadlinePassed(ctx):
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func deadlinePassed(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}
