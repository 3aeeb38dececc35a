// Package apperr defines the error kinds shared by the generation kernel.
//
// Every type implements Kind, which is the value persisted as error_kind on
// call-log entries. Callers match on types with errors.As.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigurationError reports missing credentials or settings. It is raised
// before any network call and is never retried.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s", e.Component, e.Reason)
}

func (e *ConfigurationError) Kind() string { return "ConfigurationError" }

// UpstreamError is a non-2xx response or a transport failure (timeouts
// included) from a vendor or collaborator.
type UpstreamError struct {
	Service    string
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s upstream error: %v", e.Service, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s api error (status %d): %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s api error (status %d): %s", e.Service, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Kind() string { return "UpstreamError" }

type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Name)
}

func (e *UnknownProviderError) Kind() string { return "UnknownProviderError" }

// UnknownToolError is returned when a caller names a tool this process does
// not serve.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

func (e *UnknownToolError) Kind() string { return "UnknownToolError" }

// ToolNotFoundError is returned when the tool-context gateway reports a tool
// name as unrecognized.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

func (e *ToolNotFoundError) Kind() string { return "ToolNotFoundError" }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() string { return "ValidationError" }

type kinded interface {
	Kind() string
}

// Kind returns the kind of the first error in the chain that declares one,
// or "Error" when none does.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "Error"
}

// HTTPStatus maps an error to the status code an HTTP surface should answer
// with. Caller-input errors are 4xx; collaborator failures are 502.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		unknownT   *UnknownToolError
		notFound   *ToolNotFoundError
		upstream   *UpstreamError
		cfg        *ConfigurationError
		unknownP   *UnknownProviderError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &unknownT):
		return http.StatusNotFound
	case errors.As(err, &notFound), errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.As(err, &cfg), errors.As(err, &unknownP):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
