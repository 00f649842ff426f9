package excess

import (
	"errors"
	"fmt"
)

// Kind classifies an Error. Callers compare with errors.Is against the
// Err* sentinels below.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidParam
	KindConnectFailed
	KindConnectTimeout
	KindWriteFailed
	KindReadFailed
	KindReadTruncated
	KindHeaderTooLarge
	KindMalformedResponse
	KindMalformedFrameHeader
	KindCapacityExceeded
	KindCancelled
	KindHTTPStatus
	KindNotFound
	KindJSON
)

// Phase names the step of a call that failed.
type Phase string

const (
	PhaseConnect    Phase = "connect"
	PhaseWrite      Phase = "write"
	PhaseReadHeader Phase = "read-header"
	PhaseReadBody   Phase = "read-body"
	PhaseDecode     Phase = "decode"
)

// Error describes a failed call.
type Error struct {
	// Kind is the machine-readable classification.
	Kind Kind
	// Phase is set for transport errors.
	Phase Phase
	// Op is the request line or operation that failed (e.g. "GET /_ping").
	Op string
	// Status is the HTTP status for KindHTTPStatus and KindNotFound.
	Status int
	// Message is the daemon's error message, if it sent one.
	Message string
	// Err is the underlying cause.
	Err error

	sentinel bool
}

func (e *Error) Error() string {
	msg := ErrorString(e.Kind)
	if e.Phase != "" {
		msg = string(e.Phase) + ": " + msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind, so a wrapped transport error still
// satisfies errors.Is(err, ErrReadTruncated).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.sentinel && t.Kind == e.Kind
}

// Sentinels for errors.Is. Only these match by Kind.
var (
	ErrInvalidParam         = &Error{Kind: KindInvalidParam, sentinel: true}
	ErrConnectFailed        = &Error{Kind: KindConnectFailed, sentinel: true}
	ErrConnectTimeout       = &Error{Kind: KindConnectTimeout, sentinel: true}
	ErrWriteFailed          = &Error{Kind: KindWriteFailed, sentinel: true}
	ErrReadFailed           = &Error{Kind: KindReadFailed, sentinel: true}
	ErrReadTruncated        = &Error{Kind: KindReadTruncated, sentinel: true}
	ErrHeaderTooLarge       = &Error{Kind: KindHeaderTooLarge, sentinel: true}
	ErrMalformedResponse    = &Error{Kind: KindMalformedResponse, sentinel: true}
	ErrMalformedFrameHeader = &Error{Kind: KindMalformedFrameHeader, sentinel: true}
	ErrCapacityExceeded     = &Error{Kind: KindCapacityExceeded, sentinel: true}
	ErrCancelled            = &Error{Kind: KindCancelled, sentinel: true}
	ErrHTTPStatus           = &Error{Kind: KindHTTPStatus, sentinel: true}
	ErrNotFound             = &Error{Kind: KindNotFound, sentinel: true}
	ErrJSON                 = &Error{Kind: KindJSON, sentinel: true}
)

// NewError builds an Error of the given kind and phase around cause.
func NewError(kind Kind, phase Phase, cause error) *Error {
	return &Error{Kind: kind, Phase: phase, Err: cause}
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ErrorString returns a human-readable label for kind.
func ErrorString(kind Kind) string {
	switch kind {
	case KindInvalidParam:
		return "invalid parameter"
	case KindConnectFailed:
		return "connect failed"
	case KindConnectTimeout:
		return "connect timeout"
	case KindWriteFailed:
		return "write failed"
	case KindReadFailed:
		return "read failed"
	case KindReadTruncated:
		return "response truncated"
	case KindHeaderTooLarge:
		return "response header too large"
	case KindMalformedResponse:
		return "malformed response"
	case KindMalformedFrameHeader:
		return "malformed frame header"
	case KindCapacityExceeded:
		return "buffer capacity exceeded"
	case KindCancelled:
		return "cancelled"
	case KindHTTPStatus:
		return "daemon returned an error"
	case KindNotFound:
		return "resource not found"
	case KindJSON:
		return "JSON error"
	default:
		return "internal error"
	}
}
