package chat

import (
	"errors"
	"fmt"
	"strings"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
)

// Errors returned by the client. Compare with errors.Is.
var (
	ErrNotConnected       = chaterrors.ErrNotConnected
	ErrTokenExpired       = chaterrors.ErrTokenExpired
	ErrReconnectExhausted = chaterrors.ErrReconnectExhausted
	ErrMissingChannelType = chaterrors.ErrMissingChannelType
	ErrMissingChannelID   = chaterrors.ErrMissingChannelID
	ErrThreadMismatch     = chaterrors.ErrThreadMismatch
	ErrAPIRequest         = chaterrors.ErrAPIRequest
	ErrAPIResponse        = chaterrors.ErrAPIResponse
)

// tokenExpiredCode is the server error code for an expired user token.
const tokenExpiredCode = 40

// APIError is a non-2xx response from the query API.
type APIError struct {
	StatusCode int    `json:"StatusCode"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Endpoint   string `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API %s (%d, code %d): %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrAPIRequest.
func (e *APIError) Unwrap() error { return ErrAPIRequest }

// IsTokenExpired reports whether the server rejected the request token.
func (e *APIError) IsTokenExpired() bool {
	return e.Code == tokenExpiredCode
}

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTokenExpired) {
		return true
	}

	return strings.Contains(err.Error(), "auth failed")
}
