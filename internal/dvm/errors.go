package dvm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind int

const (
	KindConfiguration ErrorKind = iota + 1
	KindConnection
	KindRequest
	KindPayment
	KindProcessing
	KindPublish
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindRequest:
		return "request"
	case KindPayment:
		return "payment"
	case KindProcessing:
		return "processing"
	case KindPublish:
		return "publish"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is an engine failure scoped to a kind and, when known, a job.
type Error struct {
	Kind  ErrorKind
	JobID string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.JobID != "" {
		msg += " (job " + e.JobID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrPayment) holds
// for any payment error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.JobID == "" && t.Err == nil
}

var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrConnection    = &Error{Kind: KindConnection}
	ErrRequest       = &Error{Kind: KindRequest}
	ErrPayment       = &Error{Kind: KindPayment}
	ErrProcessing    = &Error{Kind: KindProcessing}
	ErrPublish       = &Error{Kind: KindPublish}
)

func newError(kind ErrorKind, jobID string, err error) *Error {
	return &Error{Kind: kind, JobID: jobID, Err: err}
}

var errNoBus = errors.New("event bus is not configured")
