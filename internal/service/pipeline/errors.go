package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aliskhannn/photo-pipeline/internal/model"
)

var (
	// ErrInvalidInput marks malformed requests: bad batch ids, unsupported
	// extensions, empty uploads and unknown presets.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoSources is returned when a request carries neither uploads nor a
	// batch reference.
	ErrNoSources = errors.New("provide uploads or a batch reference to process")

	// ErrAllFailed matches *AllFailedError.
	ErrAllFailed = errors.New("all items failed")
)

// AllFailedError is returned when not a single item of a run succeeded.
type AllFailedError struct {
	BatchID string
	Stage   model.Stage
	Items   []ItemResult
}

func (e *AllFailedError) Error() string {
	reasons := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		reasons = append(reasons, fmt.Sprintf("%s: %s", it.Filename, it.Error))
	}
	return fmt.Sprintf("%s failed for all %d items: %s", e.Stage, len(e.Items), strings.Join(reasons, "; "))
}

func (e *AllFailedError) Is(target error) bool {
	return target == ErrAllFailed
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
