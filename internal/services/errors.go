package services

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable reason surfaced to callers when a render call fails.
type ErrorCode string

const (
	CodeMissingPrompt    ErrorCode = "missing_prompt"
	CodeMissingProject   ErrorCode = "missing_project"
	CodeMissingToken     ErrorCode = "missing_token"
	CodeRateLimited      ErrorCode = "rate_limited"
	CodeHTTPError        ErrorCode = "http_error"
	CodeInvalidResponse  ErrorCode = "invalid_response"
	CodeEmptyResponse    ErrorCode = "empty_response"
	CodeMissingOperation ErrorCode = "missing_operation"
	CodeOperationFailed  ErrorCode = "operation_failed"
)

// RenderError is returned by every RenderClient call that fails.
type RenderError struct {
	Code    ErrorCode
	Status  int    // HTTP status, when the provider answered
	Body    string // provider body, truncated
	Message string
	Err     error
}

func (e *RenderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

func newRenderError(code ErrorCode, format string, args ...interface{}) *RenderError {
	return &RenderError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func httpError(status int, body []byte) *RenderError {
	return &RenderError{
		Code:    CodeHTTPError,
		Status:  status,
		Body:    truncate(string(body), 2000),
		Message: fmt.Sprintf("provider returned status %d: %s", status, truncate(string(body), 300)),
	}
}

func rateLimitedError(status int, body []byte) *RenderError {
	return &RenderError{
		Code:    CodeRateLimited,
		Status:  status,
		Body:    truncate(string(body), 2000),
		Message: "provider is throttling requests",
	}
}

// CodeOf returns the error's code, or "" when err is not a RenderError.
func CodeOf(err error) ErrorCode {
	var re *RenderError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsRateLimited reports whether err is a provider throttle.
func IsRateLimited(err error) bool {
	return CodeOf(err) == CodeRateLimited
}

// IsConfigError reports whether err comes from missing credentials or project.
func IsConfigError(err error) bool {
	code := CodeOf(err)
	return code == CodeMissingToken || code == CodeMissingProject
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
