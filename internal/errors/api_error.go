package errors

import (
	"fmt"
	"net/http"
)

// APIError carries the detail of a failed HTTP call against the source or
// target service. The retry policy classifies it by status code; rollback
// uses IsNotFound to tolerate already-deleted artifacts.
type APIError struct {
	Service    string // "source" or "target"
	Method     string // HTTP method
	URL        string
	StatusCode int
	Body       string // truncated response body
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s API: %s %s: status %d: %s", e.Service, e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s API: %s %s: status %d", e.Service, e.Method, e.URL, e.StatusCode)
}

// NewAPIError builds an APIError from a response status and body excerpt.
func NewAPIError(service, method, url string, status int, body string) *APIError {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &APIError{
		Service:    service,
		Method:     method,
		URL:        url,
		StatusCode: status,
		Body:       body,
	}
}

// StatusCodeOf extracts the HTTP status code from an error chain.
// Returns 0 when no APIError is present.
func StatusCodeOf(err error) int {
	var apiErr *APIError
	if asAPIError(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether the error chain contains a 404 API response.
func IsNotFound(err error) bool {
	return StatusCodeOf(err) == http.StatusNotFound
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if apiErr, ok := err.(*APIError); ok {
			*target = apiErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
