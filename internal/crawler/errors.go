package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a record is absent from the store.
	ErrNotFound = errors.New("record not found")
	// ErrEmptyResponse marks a page that loaded without a usable body.
	ErrEmptyResponse = errors.New("empty response body")
	// ErrInvalidURL marks a URL that can never be fetched.
	ErrInvalidURL = errors.New("invalid url")
)

// StatusError carries a non-success HTTP status returned by a page load.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}
