package smc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies control-layer failures. Every kind maps to exactly one
// reply Status.
type ErrorKind int

const (
	// KindInvalidTransition: the command arrived out of phase order.
	KindInvalidTransition ErrorKind = iota + 1
	// KindInvalidTask: a Prepare command carried no task descriptor.
	KindInvalidTask
	// KindValidation: malformed participants, endpoints or parameters.
	KindValidation
	// KindUnsupported: unknown aggregation, suite or command shape.
	KindUnsupported
	// KindSessionNotFound: the session id is unknown or already removed.
	KindSessionNotFound
	// KindFatal: the engine failed irrecoverably; the session must be torn down.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidTransition:
		return "invalid_transition"
	case KindInvalidTask:
		return "invalid_task"
	case KindValidation:
		return "validation"
	case KindUnsupported:
		return "unsupported"
	case KindSessionNotFound:
		return "session_not_found"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status returns the reply status reported for failures of this kind.
func (k ErrorKind) Status() Status {
	switch k {
	case KindUnsupported:
		return StatusUnknownCmd
	case KindFatal:
		return StatusAborted
	default:
		return StatusDenied
	}
}

// Error is a classified control-layer failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the reply status for this failure.
func (e *Error) Status() Status { return e.Kind.Status() }

// Reply converts the failure into a reply. The reply message is the error's
// Message, falling back to the full error text.
func (e *Error) Reply() *Reply {
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	return NewReply(e.Status(), msg)
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind ErrorKind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors are reported as KindFatal.
func KindOf(err error) ErrorKind {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return KindFatal
}

// ErrorReply converts any error into a reply using its classification.
func ErrorReply(err error) *Reply {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Reply()
	}
	return NewReply(KindFatal.Status(), err.Error())
}
