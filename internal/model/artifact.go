package model

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var batchIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Artifact is a single stored image produced by a pipeline stage.
type Artifact struct {
	Batch    string `json:"batch_id"`
	Stage    Stage  `json:"stage"`
	Filename string `json:"filename"`
	Data     []byte `json:"-"`
}

// NewBatchID returns a fresh batch identifier.
func NewBatchID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ValidBatchID reports whether id is safe to use as a storage path segment.
func ValidBatchID(id string) bool {
	return batchIDPattern.MatchString(id)
}

// StoredName derives a collision-resistant PNG name from an original filename,
// e.g. "shoe.jpg" -> "shoe_3f9a1c.png".
func StoredName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.TrimSpace(stem)
	if stem == "" || stem == "." || stem == "/" {
		stem = "image"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return stem + "_" + suffix + ".png"
}
