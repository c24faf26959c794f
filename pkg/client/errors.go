package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
	"github.com/Sternrassler/opstrat-data/pkg/ratelimit"
)

// Common errors returned by the client.
var (
	// ErrInvalidRequest is returned for arguments the provider cannot serve.
	// It is never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAuth matches every *AuthError.
	ErrAuth = errors.New("authentication failed")

	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrTransient matches every *TransientFetchError.
	ErrTransient = errors.New("transient fetch failure")

	// ErrMalformedResponse matches every *MalformedResponseError.
	ErrMalformedResponse = errors.New("malformed response")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents non-retried 4xx errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassAuth represents 401/403.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassNotFound represents 404.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents undecodable or inconsistent payloads.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassDeadline represents a throttle slot past the context deadline.
	ErrorClassDeadline ErrorClass = "deadline"
)

// shouldRetry determines if an error class is transient.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// AuthError reports a missing token or a rejected one.
type AuthError struct {
	StatusCode int // 0 when raised before any request
	Message    string
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("auth error: %s", e.Message)
	}
	return fmt.Sprintf("auth error (status %d): %s", e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrAuth) true.
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// NotFoundError reports that the provider has no such symbol or range.
type NotFoundError struct {
	Symbol string
	Kind   marketdata.Kind
	Month  marketdata.Month
	URL    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s %s %s", e.Kind, e.Symbol, e.Month)
}

// Is makes errors.Is(err, ErrNotFound) true.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransientFetchError is returned once retries are exhausted.
type TransientFetchError struct {
	Attempts int
	Class    ErrorClass
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient %s error after %d attempts: %v", e.Class, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientFetchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransient) true.
func (e *TransientFetchError) Is(target error) bool { return target == ErrTransient }

// MalformedResponseError reports a payload that cannot be decoded or
// contains no usable records.
type MalformedResponseError struct {
	Page   int
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response (page %d): %s: %v", e.Page, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed response (page %d): %s", e.Page, e.Reason)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *MalformedResponseError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMalformedResponse) true.
func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

// RequestError is a non-retried 4xx other than 401, 403 and 404.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request rejected (status %d): %s", e.StatusCode, e.Message)
}

// statusError is the per-attempt error for a non-2xx response.
type statusError struct {
	StatusCode int
	Status     string
	Body       string
	RetryAfter time.Duration
}

func (e *statusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("HTTP %s", e.Status)
}

// classifyStatus maps a response status code to an error class.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorClassAuth
	case code == http.StatusNotFound:
		return ErrorClassNotFound
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyError categorizes an attempt error for retry decisions and metrics.
func classifyError(err error) ErrorClass {
	var se *statusError
	var me *MalformedResponseError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return classifyStatus(se.StatusCode)
	case errors.As(err, &me):
		return ErrorClassMalformed
	case errors.Is(err, ErrInvalidRequest):
		return ErrorClassClient
	case errors.Is(err, ratelimit.ErrWaitExceedsDeadline):
		return ErrorClassDeadline
	default:
		return ErrorClassNetwork
	}
}
