package resilience

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// Class is the closed set of failure categories every downstream error is
// mapped into. Retry decisions key off Transient(); anything the classifier
// does not recognize is treated as permanent and surfaces immediately.
type Class int

const (
	ClassUnknown Class = iota
	ClassTimeout
	ClassRateLimit
	ClassConnReset
	ClassValidation
	ClassUnauthorized
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassRateLimit:
		return "rate_limit"
	case ClassConnReset:
		return "connection_reset"
	case ClassValidation:
		return "validation"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Transient reports whether errors of this class are worth retrying.
func (c Class) Transient() bool {
	return c == ClassTimeout || c == ClassRateLimit || c == ClassConnReset
}

// Tag sentinels. Adapters wrap downstream errors with these so the
// classifier can recognize failures that carry no useful Go type, e.g.
// fmt.Errorf("llm call: %w", resilience.ErrRateLimited).
var (
	ErrRateLimited  = errors.New("rate limited")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// Classify maps err to its failure class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimit
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrUnauthorized):
		return ClassUnauthorized
	case errors.Is(err, ErrNotFound), errors.Is(err, os.ErrNotExist):
		return ClassNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return ClassConnReset
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ClassTimeout
	}
	return ClassUnknown
}
