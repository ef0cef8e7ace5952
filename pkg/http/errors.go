package http

import (
	"fmt"
	"net/http"
)

// AppError is an error with an HTTP status, rendered inside the response envelope.
type AppError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Status  int                    `json:"-"`
	Err     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// NewAppError creates an application error.
func NewAppError(code, field, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Field:   field,
		Status:  status,
	}
}

// WithParam sets a single error param.
func (e *AppError) WithParam(key string, value interface{}) *AppError {
	if e.Params == nil {
		e.Params = make(map[string]interface{})
	}
	e.Params[key] = value
	return e
}

// WithError wraps the underlying cause.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// ConfigError is a 400 for a rejected run configuration field.
func ConfigError(field, message string) *AppError {
	return NewAppError("ERR_CONFIG", field, message, http.StatusBadRequest)
}

// NotFoundErrorf creates a 404 error.
func NotFoundErrorf(format string, a ...interface{}) *AppError {
	return NewAppError("ERR_NOT_FOUND", "", fmt.Sprintf(format, a...), http.StatusNotFound)
}

// UnprocessableError is a 422 for valid requests the data cannot satisfy.
func UnprocessableError(message string) *AppError {
	return NewAppError("ERR_INSUFFICIENT_DATA", "", message, http.StatusUnprocessableEntity)
}

// BadGatewayError creates a 502 for failed upstream calls.
func BadGatewayError(message string) *AppError {
	return NewAppError("ERR_PROVIDER", "", message, http.StatusBadGateway)
}

// InternalError creates a 500.
func InternalError(message string) *AppError {
	return NewAppError("ERR_INTERNAL", "", message, http.StatusInternalServerError)
}
