package completion

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorClass groups provider failures by how the client should react to them
type ErrorClass string

const (
	ClassRateLimited    ErrorClass = "rate_limited"
	ClassServerError    ErrorClass = "server_error"
	ClassNetwork        ErrorClass = "network"
	ClassInvalidRequest ErrorClass = "invalid_request"
	ClassUnknown        ErrorClass = "unknown"
)

// Transient reports whether a request failing with this class may succeed if repeated
func (c ErrorClass) Transient() bool {
	switch c {
	case ClassRateLimited, ClassServerError, ClassNetwork:
		return true
	}
	return false
}

var (
	// ErrTransient matches provider errors that were retried until the attempt budget ran out
	ErrTransient = errors.New("transient provider error")
	// ErrFatal matches provider errors that are not worth retrying
	ErrFatal = errors.New("fatal provider error")
	// ErrInvalidRequest matches errors where the provider rejected the request format. It implies ErrFatal
	ErrInvalidRequest = errors.New("provider rejected the request")
)

// ProviderError is returned by Client.Complete when the completion could not be obtained
type ProviderError struct {
	Class      ErrorClass
	StatusCode int           // Zero when the failure happened before a response was received
	Attempts   int           // Number of attempts made, including the failing one
	RetryAfter time.Duration // Provider-requested delay, if any
	Err        error
}

func (e *ProviderError) Error() string {
	status := ""
	if e.StatusCode != 0 {
		status = fmt.Sprintf(", status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider error (%s%s, %d attempts): %v", e.Class, status, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class.Transient()
	case ErrFatal:
		return !e.Class.Transient()
	case ErrInvalidRequest:
		return e.Class == ClassInvalidRequest
	}
	return false
}

// ClassifyStatus maps an HTTP status code returned by a provider to an error class
func ClassifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusRequestTimeout:
		return ClassNetwork
	case code >= 500:
		// Includes Anthropic's 529 overloaded
		return ClassServerError
	}
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
		http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return ClassInvalidRequest
	}
	return ClassUnknown
}
