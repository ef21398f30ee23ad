package h1bind

import (
	"errors"
	"strings"
)

// HTTPError represents an HTTP error with status code, message, and optional details.
type HTTPError struct {
	Code    int
	Message string
	Details any
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{
		Code:    code,
		Message: message,
	}
}

// WithDetails adds additional details to the HTTPError and returns the modified error.
func (e *HTTPError) WithDetails(details any) *HTTPError {
	e.Details = details
	return e
}

// ErrorHandler renders an error returned by the handler chain.
type ErrorHandler func(ctx *Context, err error) error

// DefaultErrorHandler renders HTTPErrors with their code and anything else
// as a 500, in JSON when the client accepts it.
func DefaultErrorHandler(ctx *Context, err error) error {
	code, message := 500, "Internal Server Error"
	var details any

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		code, message, details = httpErr.Code, httpErr.Message, httpErr.Details
	}

	ctx.Reset()
	if strings.Contains(ctx.Header("Accept"), "application/json") {
		body := map[string]any{
			"error": message,
			"code":  code,
		}
		if details != nil {
			body["details"] = details
		}
		return ctx.JSON(code, body)
	}

	return ctx.Plain(code, message)
}
