package outcome

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/genai"
)

// Kind classifies a pipeline failure so callers can decide to retry, skip or abort.
type Kind int

const (
	// Unknown is any error not otherwise classified.
	Unknown Kind = iota
	// Transient covers rate limits and upstream hiccups. Retry once or skip.
	Transient
	// Configuration covers missing credentials and dimension mismatches. Fatal.
	Configuration
	// Parse covers source rows or pages that do not match the expected structure.
	Parse
	// NotFound is an empty retrieval result. It is a valid terminal state.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Configuration:
		return "configuration"
	case Parse:
		return "parse"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified failure raised by a pipeline stage.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and stage. A nil err yields nil.
func New(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Configf builds a Configuration error from a format string.
func Configf(stage, format string, args ...any) error {
	return &Error{Kind: Configuration, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err and tags it with a stage. Errors that already carry
// a kind keep it.
func Wrap(stage string, err error) error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return err
	}
	return &Error{Kind: Classify(err), Stage: stage, Err: err}
}

// KindOf returns the kind of err, classifying unknown errors on the fly.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return Classify(err)
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool { return KindOf(err) == Configuration }

// IsTransient reports whether err is worth one more attempt.
func IsTransient(err error) bool { return KindOf(err) == Transient }

// StatusError is returned by HTTP based providers on a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}

// Classify maps upstream errors onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Unknown
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests,
		code == http.StatusNotFound,
		code == http.StatusRequestTimeout,
		code >= 500:
		return Transient
	case code == http.StatusBadRequest,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden:
		return Configuration
	default:
		return Unknown
	}
}

// Result is the value produced by one stage for one item.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the stage succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

// Fail wraps a failure with the zero value.
func Fail[T any](err error) Result[T] { return Result[T]{Err: err} }
