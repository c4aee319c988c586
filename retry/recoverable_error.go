package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// RecoverableError is implemented by errors that know whether repeating
// the failed call may succeed. The first one found in the chain decides.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err is worth retrying
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	return isTransient(err)
}

// transientMessages match errors whose type was lost on the way up: API
// error bodies from the search and chat services, and Postgres notices
// sent while the server is starting or saturated.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"too many requests",
	"rate limit",
	"overloaded",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"the database system is starting up",
	"the database system is shutting down",
	"too many clients",
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// markedError overrides the heuristics for the error it wraps
type markedError struct {
	err         error
	recoverable bool
}

func (e *markedError) Error() string       { return e.err.Error() }
func (e *markedError) Unwrap() error       { return e.err }
func (e *markedError) IsRecoverable() bool { return e.recoverable }

// Transient marks err as worth retrying, e.g. a ping against a database
// that is still starting.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, recoverable: true}
}

// Permanent marks err as not worth retrying even if its message looks
// transient, e.g. a step that produced malformed output.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, recoverable: false}
}
