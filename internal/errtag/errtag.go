// Package errtag classifies the error taxonomy used across sentryd's
// cluster and scheduling layers so callers can branch on error class with
// errors.As instead of matching log strings.
package errtag

import "fmt"

// Class is one of the error categories described for the cluster and
// scheduling layers: most are recovered locally and never bubble out to
// the Scheduler or Checkable.
type Class int

const (
	// TransientNetwork covers a failed read/write/handshake: the stream is
	// closed, the endpoint is marked disconnected, and the dial loop retries.
	TransientNetwork Class = iota
	// ProtocolViolation covers a malformed frame, unknown method, or missing
	// params: the message is dropped, the connection stays up.
	ProtocolViolation
	// AuthorizationDenied covers a sender lacking privilege for the
	// referenced object: the message is dropped silently.
	AuthorizationDenied
	// CorruptReplayLog covers EOF mid-record or a decode failure inside a
	// segment: that segment stops being read, the next one is tried.
	CorruptReplayLog
	// ConfigValidation covers an inbound Config message from a
	// non-whitelisted sender.
	ConfigValidation
	// Fatal covers conditions that abort startup (no TLS material, no
	// self-endpoint configured).
	Fatal
)

func (c Class) String() string {
	switch c {
	case TransientNetwork:
		return "transient_network"
	case ProtocolViolation:
		return "protocol_violation"
	case AuthorizationDenied:
		return "authorization_denied"
	case CorruptReplayLog:
		return "corrupt_replay_log"
	case ConfigValidation:
		return "config_validation"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a taxonomy Class.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New tags err with class c in operation op. If err is nil, New returns nil.
func New(c Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: c, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) is tagged with class c.
func Is(err error, c Class) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Class == c {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
