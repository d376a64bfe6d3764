// Package artifact stores per-batch, per-stage pipeline outputs.
package artifact

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/aliskhannn/photo-pipeline/internal/model"
)

const artifactExt = ".png"

// backend is the object storage the Store is layered on (local disk or
// MinIO). Keys are "/"-separated.
type backend interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Store persists artifacts under "<batch>/<stage>/<filename>" and answers
// pipeline-level queries about them. It is safe for concurrent use as long
// as the backend is.
type Store struct {
	backend backend
}

// NewStore creates a Store on top of the given backend.
func NewStore(b backend) *Store {
	return &Store{backend: b}
}

// Put writes data for (batch, stage, filename), replacing any previous
// artifact with the same name, and returns the stored key.
func (s *Store) Put(ctx context.Context, batch string, stage model.Stage, filename string, data []byte) (string, error) {
	key, err := objectKey(batch, stage, filename)
	if err != nil {
		return "", err
	}

	if err := s.backend.Write(ctx, key, data); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	return key, nil
}

// List returns the artifact filenames of a stage in lexicographic order.
func (s *Store) List(ctx context.Context, batch string, stage model.Stage) ([]string, error) {
	prefix, err := stagePrefix(batch, stage)
	if err != nil {
		return nil, err
	}

	names, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.EqualFold(path.Ext(n), artifactExt) {
			out = append(out, n)
		}
	}

	return out, nil
}

// LatestStage returns the last pipeline stage holding at least one artifact.
// ok is false when the batch has no artifacts at all.
func (s *Store) LatestStage(ctx context.Context, batch string) (stage model.Stage, ok bool, err error) {
	stages := model.Stages()
	for i := len(stages) - 1; i >= 0; i-- {
		names, err := s.List(ctx, batch, stages[i])
		if err != nil {
			return 0, false, err
		}
		if len(names) > 0 {
			return stages[i], true, nil
		}
	}
	return 0, false, nil
}

// Load returns the requested artifacts of a stage. With no filenames every
// artifact is returned in List order; otherwise exactly the named artifacts
// are returned in the requested order, or a *MissingFilesError naming all
// absent ones. An empty stage always yields ErrNotFound.
func (s *Store) Load(ctx context.Context, batch string, stage model.Stage, filenames []string) ([]model.Artifact, error) {
	names, err := s.List(ctx, batch, stage)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no files found for batch '%s' step '%s': %w", batch, stage, ErrNotFound)
	}

	selected := names
	if len(filenames) > 0 {
		available := make(map[string]struct{}, len(names))
		for _, n := range names {
			available[n] = struct{}{}
		}

		var missing []string
		for _, n := range filenames {
			if _, ok := available[n]; !ok {
				missing = append(missing, n)
			}
		}
		if len(missing) > 0 {
			return nil, &MissingFilesError{Batch: batch, Stage: stage, Missing: missing}
		}
		selected = filenames
	}

	items := make([]model.Artifact, 0, len(selected))
	for _, n := range selected {
		data, err := s.read(ctx, batch, stage, n)
		if err != nil {
			return nil, err
		}
		items = append(items, model.Artifact{Batch: batch, Stage: stage, Filename: n, Data: data})
	}

	return items, nil
}

// Get returns a single artifact.
func (s *Store) Get(ctx context.Context, batch string, stage model.Stage, filename string) (model.Artifact, error) {
	data, err := s.read(ctx, batch, stage, filename)
	if err != nil {
		return model.Artifact{}, err
	}
	return model.Artifact{Batch: batch, Stage: stage, Filename: filename, Data: data}, nil
}

// ExportZip writes every artifact of a stage into a zip archive, in List
// order and under their stored names.
func (s *Store) ExportZip(ctx context.Context, batch string, stage model.Stage, w io.Writer) error {
	return s.ExportFilesZip(ctx, batch, stage, nil, w)
}

// ExportFilesZip is ExportZip restricted to the named artifacts, with the
// same all-or-nothing semantics as Load.
func (s *Store) ExportFilesZip(ctx context.Context, batch string, stage model.Stage, filenames []string, w io.Writer) error {
	items, err := s.Load(ctx, batch, stage, filenames)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for _, it := range items {
		fw, err := zw.Create(it.Filename)
		if err != nil {
			return fmt.Errorf("zip %s: %w", it.Filename, err)
		}
		if _, err := fw.Write(it.Data); err != nil {
			return fmt.Errorf("zip %s: %w", it.Filename, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("zip close: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, batch string, stage model.Stage, filename string) ([]byte, error) {
	key, err := objectKey(batch, stage, filename)
	if err != nil {
		return nil, err
	}

	data, err := s.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func stagePrefix(batch string, stage model.Stage) (string, error) {
	if !model.ValidBatchID(batch) {
		return "", fmt.Errorf("%w: batch %q", ErrInvalidKey, batch)
	}
	if !stage.Valid() {
		return "", fmt.Errorf("%w: stage %d", ErrInvalidKey, int(stage))
	}
	return batch + "/" + stage.String(), nil
}

func objectKey(batch string, stage model.Stage, filename string) (string, error) {
	prefix, err := stagePrefix(batch, stage)
	if err != nil {
		return "", err
	}
	if filename == "" || filename != path.Base(filename) || strings.ContainsAny(filename, `/\`) || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("%w: filename %q", ErrInvalidKey, filename)
	}
	return prefix + "/" + filename, nil
}
