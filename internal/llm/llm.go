// Package llm defines the completion boundary shared by every model-backed
// component: the Completer interface, the provider error taxonomy, retry
// with backoff, and strict decoding of structured output.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Request is a single structured completion.
type Request struct {
	System string
	Prompt string
	// SchemaName and Schema describe the expected JSON object. Providers with
	// native structured output enforce it; others receive it as an instruction.
	SchemaName string
	Schema     map[string]any
	MaxTokens  int
}

// Completer returns the raw text of a model completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrProviderTimeout is wrapped by errors caused by a request timeout.
var ErrProviderTimeout = errors.New("llm provider timeout")

// ProviderError is a non-2xx or otherwise unusable provider response.
// StatusCode is zero for transport failures.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s api error %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request may succeed.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// ParseError means the model answered but broke the output contract.
type ParseError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse model output: %s: %v", e.Reason, e.Err)
	}
	return "parse model output: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError builds a ParseError, keeping a bounded sample of the raw output.
func NewParseError(reason, raw string, err error) *ParseError {
	if len(raw) > 500 {
		raw = raw[:500]
	}
	return &ParseError{Reason: reason, Raw: raw, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrProviderTimeout) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Temporary()
	}
	return false
}

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Reason classifies err for logs and metrics.
func Reason(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProviderTimeout):
		return "timeout"
	case IsParseError(err):
		return "parse"
	case errors.As(err, &pe):
		return "provider"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "other"
}
