// Package errs classifies the failure modes a connection handler can hit
// so the router can decide "reply and continue" versus "close the
// connection" without string-matching error text.
package errs

import "fmt"

// Kind classifies an Error for handler-level dispatch.
type Kind int

const (
	// KindProtocol covers malformed frames, unknown message types, and
	// oversized payloads.
	KindProtocol Kind = iota
	// KindAuth covers missing/invalid/expired credentials and permission
	// denials.
	KindAuth
	// KindNotSubscribed covers awareness or delta operations on a
	// document the connection never subscribed to.
	KindNotSubscribed
	// KindStorage covers failures of the storage collaborator.
	KindStorage
	// KindPubSub covers transient pub/sub bus failures.
	KindPubSub
	// KindInternal covers anything else.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindNotSubscribed:
		return "not_subscribed"
	case KindStorage:
		return "storage"
	case KindPubSub:
		return "pubsub"
	default:
		return "internal"
	}
}

// Error wraps an underlying cause with a Kind and, for protocol/auth
// errors, whether the connection must be closed.
type Error struct {
	kind    Kind
	close   bool
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// CloseConnection reports whether the connection must be torn down as a
// result of this error (framing corruption, expired/invalid auth).
func (e *Error) CloseConnection() bool { return e.close }

func newErr(kind Kind, closeConn bool, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, close: closeConn, cause: cause, message: fmt.Sprintf(format, args...)}
}

// Protocol returns a KindProtocol error. closeConn is true for framing
// corruption, false for decode-only errors that leave the connection open.
func Protocol(closeConn bool, cause error, format string, args ...any) *Error {
	return newErr(KindProtocol, closeConn, cause, format, args...)
}

// Auth returns a KindAuth error. closeConn is true for auth failures
// (reply auth_error then close), false for permission denials on an
// otherwise-authenticated connection (reply error, stay open).
func Auth(closeConn bool, cause error, format string, args ...any) *Error {
	return newErr(KindAuth, closeConn, cause, format, args...)
}

// NotSubscribed returns a KindNotSubscribed error; the connection stays
// open.
func NotSubscribed(format string, args ...any) *Error {
	return newErr(KindNotSubscribed, false, nil, format, args...)
}

// Storage returns a KindStorage error; logged by the caller, never
// surfaced to the client, and never blocks in-memory progress.
func Storage(cause error, format string, args ...any) *Error {
	return newErr(KindStorage, false, cause, format, args...)
}

// PubSub returns a KindPubSub error; logged, counted, never surfaced.
func PubSub(cause error, format string, args ...any) *Error {
	return newErr(KindPubSub, false, cause, format, args...)
}

// Internal returns a KindInternal error; the connection stays open unless
// the failure originated in the read/write loop itself.
func Internal(closeConn bool, cause error, format string, args ...any) *Error {
	return newErr(KindInternal, closeConn, cause, format, args...)
}
