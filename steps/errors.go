package steps

import (
	"fmt"
	"net/http"
)

// APIError is an error response from a search or generation API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsRecoverable reports whether resuming the thread may succeed: rate
// limiting, server errors, and network errors (StatusCode 0).
func (e *APIError) IsRecoverable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}
