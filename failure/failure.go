// Package failure defines the error taxonomy shared by every showchat
// component. Errors are classified by Kind rather than concrete type so that
// callers can branch on "what went wrong" without knowing which layer produced
// the failure.
//
// Every component returns *Error values; use errors.Is against the exported
// sentinels or KindOf to classify.
//
//	if errors.Is(err, failure.ErrNotReady) { /* initialize first */ }
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindNotReady means a prerequisite state (session or chat) was not reached.
	KindNotReady Kind = "not_ready"
	// KindInvalidInput means an empty or malformed key, text, cursor or credential.
	KindInvalidInput Kind = "invalid_input"
	// KindInvalidCredential means the backend rejected the supplied credential.
	KindInvalidCredential Kind = "invalid_credential"
	// KindTransport covers timeouts, connectivity and 5xx-equivalent failures.
	KindTransport Kind = "transport"
	// KindUnknown is the fallback when no classifiable reason is available.
	KindUnknown Kind = "unknown"
)

func (k Kind) String() string { return string(k) }

// Sentinels usable with errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrNotReady          = errors.New("not ready")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrTransport         = errors.New("transport failure")
	ErrUnknown           = errors.New("unknown failure")
)

var sentinels = map[Kind]error{
	KindNotReady:          ErrNotReady,
	KindInvalidInput:      ErrInvalidInput,
	KindInvalidCredential: ErrInvalidCredential,
	KindTransport:         ErrTransport,
	KindUnknown:           ErrUnknown,
}

// Error is the concrete error type returned by showchat components.
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "chat.publish".
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = sentinels[e.Kind].Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New builds an *Error with a message and no cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with fmt-style formatting.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and op to err. An err that already carries a Kind keeps
// it; only a missing op is filled in.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Op != "" {
			return err
		}
		return &Error{Kind: fe.Kind, Op: op, Msg: fe.Msg, Err: fe.Err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. It returns the empty Kind for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	return KindUnknown
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
