package domain

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeUnmatched        ErrorCode = "UNMATCHED"
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
)

var (
	// ErrMalformedIndex indicates a capability document failed validation.
	ErrMalformedIndex = errors.New("malformed capability index")
	// ErrServerNotFound indicates an unknown server id.
	ErrServerNotFound = errors.New("server not found")
	// ErrToolNotFound indicates an unknown tool name for a server.
	ErrToolNotFound = errors.New("tool not found")
	// ErrNoMatch indicates no tool scored above the matching threshold.
	ErrNoMatch = errors.New("no tool matched query")
	// ErrPoolExhausted indicates a lease wait ended without a free handle.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrConnClosed indicates the leased connection failed mid-call.
	ErrConnClosed = errors.New("connection closed")
)

type Error struct {
	Code      ErrorCode
	Op        string
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:      existing.Code,
			Op:        op,
			Message:   existing.Message,
			Cause:     existing.Cause,
			Retryable: existing.Retryable,
		}
	}
	return E(code, op, "", err)
}

// RetryableError marks a transport-class failure eligible for automatic retry.
func RetryableError(op string, err error) *Error {
	wrapped := Wrap(CodeUnavailable, op, err)
	if wrapped != nil {
		wrapped.Retryable = true
	}
	return wrapped
}

// Retryable reports whether err is classified as transient.
// Context cancellation is never retryable: the caller's deadline wins.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Retryable
	}
	return errors.Is(err, ErrConnClosed)
}

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrMalformedIndex):
		return CodeInvalidArgument, true
	case errors.Is(err, ErrServerNotFound), errors.Is(err, ErrToolNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrNoMatch):
		return CodeUnmatched, true
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrPoolClosed), errors.Is(err, ErrConnClosed):
		return CodeUnavailable, true
	case errors.Is(err, context.Canceled):
		return CodeCanceled, true
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded, true
	default:
		return "", false
	}
}
