package tracker

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindAuth        ErrorKind = "auth"
	KindValidation  ErrorKind = "validation"
	KindRateLimit   ErrorKind = "rate_limit"
	KindNotFound    ErrorKind = "not_found"
	KindUnsupported ErrorKind = "unsupported"
)

// Error is a classified remote adapter failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tracker %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("tracker %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Context deadlines count as
// timeouts; unclassified errors count as network failures.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// IsTerminal reports whether retrying err cannot succeed.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindAuth, KindValidation, KindNotFound, KindUnsupported:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return err != nil && !IsTerminal(err)
}
