package removebg

import (
	"errors"
	"fmt"
	"net/http"
)

// CodeUnknownForeground is the provider error code for images in which no
// subject could be detected.
const CodeUnknownForeground = "unknown_foreground"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("removebg: api key is required")

// ProviderError is a non-success response from the provider.
type ProviderError struct {
	Status int
	Code   string // machine-readable code from the error body, may be empty
	Title  string
	Body   []byte
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != "" && e.Title != "":
		return fmt.Sprintf("remove.bg error %d (%s): %s", e.Status, e.Code, e.Title)
	case e.Title != "":
		return fmt.Sprintf("remove.bg error %d: %s", e.Status, e.Title)
	default:
		return fmt.Sprintf("remove.bg error %d: %s", e.Status, truncate(e.Body, 256))
	}
}

// Transient reports whether the status describes a condition worth retrying.
func (e *ProviderError) Transient() bool {
	switch e.Status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.Status >= 500
}

// TransportError wraps connection, timeout and protocol failures that
// happened before a complete response was received.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "remove.bg transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err may succeed when the request is repeated.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return false
}

// Undetectable reports whether the provider could not find a subject.
func Undetectable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == CodeUnknownForeground
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
