// Package errors defines the unified error type for proxy operations.
// Upstream failures of every protocol are mapped into ProxyError so the
// dispatch loop can classify them and clients always receive an
// Anthropic-shaped error envelope.
package errors

import (
	"fmt"
	"net/http"
)

// ProxyError is a standardized error raised while serving a request.
// Retryable governs health classification: retryable errors count as
// recoverable, non-retryable ones cool the provider down at once. The
// dispatch loop moves to the next candidate after either kind, as long as
// no bytes have been forwarded to any client.
type ProxyError struct {
	StatusCode int    `json:"status_code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the status code to surface to the client.
func (e *ProxyError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Envelope renders the Anthropic error shape:
// {"type":"error","error":{"type":...,"message":...}}.
func (e *ProxyError) Envelope() map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// Error types, matching the Anthropic API error taxonomy.
const (
	TypeAuthentication = "authentication_error"
	TypePermission     = "permission_error"
	TypeRateLimit      = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeNotFound       = "not_found_error"
	TypeTimeout        = "timeout_error"
	TypeOverloaded     = "overloaded_error"
	TypeAPIError       = "api_error"
)

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusUnauthorized,
		Type:       TypeAuthentication,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewPermissionError creates a permission error (403).
func NewPermissionError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusForbidden,
		Type:       TypePermission,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusTooManyRequests,
		Type:       TypeRateLimit,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusBadRequest,
		Type:       TypeInvalidRequest,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewNotFoundError creates a not found error (404).
func NewNotFoundError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusNotFound,
		Type:       TypeNotFound,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusRequestTimeout,
		Type:       TypeTimeout,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewOverloadedError creates a service unavailable error (503).
func NewOverloadedError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypeOverloaded,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusInternalServerError,
		Type:       TypeAPIError,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewUpstreamError maps an upstream HTTP status to a ProxyError for a call
// that does not target the model endpoint itself. 5xx, 429, and 404 are
// retryable there (a 404 off the model endpoint is routing trouble, not a
// misconfigured provider); 400/401/403 are terminal for the provider.
func NewUpstreamError(provider, model string, statusCode int, message string) *ProxyError {
	switch statusCode {
	case http.StatusUnauthorized:
		return NewAuthenticationError(provider, model, message)
	case http.StatusForbidden:
		return NewPermissionError(provider, model, message)
	case http.StatusTooManyRequests:
		return NewRateLimitError(provider, model, message)
	case http.StatusBadRequest:
		return NewInvalidRequestError(provider, model, message)
	case http.StatusNotFound:
		e := NewNotFoundError(provider, model, message)
		e.Retryable = true
		return e
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return NewTimeoutError(provider, model, message)
	}
	if statusCode >= 500 {
		return &ProxyError{
			StatusCode: statusCode,
			Type:       TypeOverloaded,
			Message:    message,
			Provider:   provider,
			Model:      model,
			Retryable:  true,
		}
	}
	return &ProxyError{
		StatusCode: statusCode,
		Type:       TypeAPIError,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewModelEndpointError is NewUpstreamError for calls that target the model
// endpoint (/v1/messages, /v1/chat/completions). A 404 there means the
// provider is misconfigured and is terminal for it.
func NewModelEndpointError(provider, model string, statusCode int, message string) *ProxyError {
	if statusCode == http.StatusNotFound {
		return NewNotFoundError(provider, model, message)
	}
	return NewUpstreamError(provider, model, statusCode, message)
}

// AsProxyError unwraps err into a *ProxyError, converting plain errors into
// a retryable api_error so transport failures count as recoverable.
func AsProxyError(provider, model string, err error) *ProxyError {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*ProxyError); ok {
		return pe
	}
	return &ProxyError{
		StatusCode: http.StatusBadGateway,
		Type:       TypeAPIError,
		Message:    err.Error(),
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}
