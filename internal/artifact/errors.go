package artifact

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aliskhannn/photo-pipeline/internal/model"
)

var (
	// ErrNotFound means the requested (batch, stage) holds no artifacts, or a
	// single requested artifact does not exist.
	ErrNotFound = errors.New("artifacts not found")

	// ErrMissingFiles means some, but not necessarily all, requested
	// filenames are absent from an otherwise populated stage.
	ErrMissingFiles = errors.New("missing files")

	// ErrInvalidKey is returned for batch ids or filenames that cannot be
	// used as storage path segments.
	ErrInvalidKey = errors.New("invalid artifact key")
)

// MissingFilesError names every requested filename that was not found.
type MissingFilesError struct {
	Batch   string
	Stage   model.Stage
	Missing []string
}

func (e *MissingFilesError) Error() string {
	return fmt.Sprintf("missing files for batch '%s' step '%s': %s", e.Batch, e.Stage, strings.Join(e.Missing, ", "))
}

// Is lets errors.Is match MissingFilesError against ErrMissingFiles.
func (e *MissingFilesError) Is(target error) bool {
	return target == ErrMissingFiles
}
