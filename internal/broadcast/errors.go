package broadcast

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrSource     = errors.New("recipient source failed")
	ErrNotFound   = errors.New("broadcast not found")
	ErrStateStore = errors.New("state store failed")
)

// Kind classifies orchestrator errors; the HTTP layer maps it to a status code.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindSource
	KindNotFound
	KindStateStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSource:
		return "source"
	case KindNotFound:
		return "not_found"
	case KindStateStore:
		return "state_store"
	default:
		return "internal"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindSource:
		return ErrSource
	case KindNotFound:
		return ErrNotFound
	case KindStateStore:
		return ErrStateStore
	default:
		return nil
	}
}

// Error carries a kind, a caller-safe message and an optional cause.
//
//	errors.Is(err, broadcast.ErrNotFound) // matches Error{Kind: KindNotFound}
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
