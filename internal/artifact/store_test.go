package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/photo-pipeline/internal/model"
	"github.com/aliskhannn/photo-pipeline/internal/storage/disk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := disk.NewStorageFs(afero.NewMemMapFs(), "/outputs")
	require.NoError(t, err)
	return NewStore(backend)
}

func mustPut(t *testing.T, s *Store, batch string, stage model.Stage, name, data string) {
	t.Helper()
	_, err := s.Put(context.Background(), batch, stage, name, []byte(data))
	require.NoError(t, err)
}

func TestPutReturnsKeyAndOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key, err := s.Put(ctx, "abc", model.StageRemoveBG, "shoe_1a2b3c.png", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, "abc/remove_bg/shoe_1a2b3c.png", key)

	mustPut(t, s, "abc", model.StageRemoveBG, "shoe_1a2b3c.png", "v2")

	got, err := s.Get(ctx, "abc", model.StageRemoveBG, "shoe_1a2b3c.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Data)
}

func TestPutRejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, "../x", model.StageInput, "a.png", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = s.Put(ctx, "abc", model.StageInput, "../a.png", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = s.Put(ctx, "abc", model.Stage(42), "a.png", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestListIsSortedAndPNGOnly(t *testing.T) {
	s := newTestStore(t)
	mustPut(t, s, "abc", model.StageInput, "b.png", "b")
	mustPut(t, s, "abc", model.StageInput, "a.png", "a")
	mustPut(t, s, "abc", model.StageInput, "notes.txt", "x")

	names, err := s.List(context.Background(), "abc", model.StageInput)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, names)
}

func TestLatestStage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.LatestStage(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	mustPut(t, s, "abc", model.StageInput, "a.png", "a")
	stage, ok, err := s.LatestStage(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StageInput, stage)

	// Skipping a stage still resolves to the highest populated one.
	mustPut(t, s, "abc", model.StageComposite, "a.png", "a")
	stage, _, err = s.LatestStage(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, model.StageComposite, stage)

	mustPut(t, s, "abc", model.StageRemoveBG, "a.png", "a")
	stage, _, err = s.LatestStage(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, model.StageComposite, stage)

	mustPut(t, s, "abc", model.StageCrop, "a.png", "a")
	stage, _, err = s.LatestStage(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, model.StageCrop, stage)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustPut(t, s, "abc", model.StageInput, "c.png", "C")
	mustPut(t, s, "abc", model.StageInput, "a.png", "A")
	mustPut(t, s, "abc", model.StageInput, "b.png", "B")

	t.Run("all in listing order", func(t *testing.T) {
		items, err := s.Load(ctx, "abc", model.StageInput, nil)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "a.png", items[0].Filename)
		assert.Equal(t, []byte("A"), items[0].Data)
		assert.Equal(t, "c.png", items[2].Filename)
	})

	t.Run("named subset in requested order", func(t *testing.T) {
		items, err := s.Load(ctx, "abc", model.StageInput, []string{"c.png", "a.png"})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "c.png", items[0].Filename)
		assert.Equal(t, "a.png", items[1].Filename)
	})

	t.Run("missing names fail the whole call", func(t *testing.T) {
		items, err := s.Load(ctx, "abc", model.StageInput, []string{"a.png", "x.png", "y.png"})
		require.Error(t, err)
		assert.Nil(t, items)

		assert.ErrorIs(t, err, ErrMissingFiles)
		assert.False(t, errors.Is(err, ErrNotFound))

		var missing *MissingFilesError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, []string{"x.png", "y.png"}, missing.Missing)
		assert.Contains(t, err.Error(), "x.png, y.png")
	})

	t.Run("empty stage is not found", func(t *testing.T) {
		_, err := s.Load(ctx, "abc", model.StageRemoveBG, nil)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, errors.Is(err, ErrMissingFiles))

		_, err = s.Load(ctx, "abc", model.StageRemoveBG, []string{"a.png"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "abc", model.StageCrop, "nope.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExportZip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustPut(t, s, "abc", model.StageCrop, "b.png", "BB")
	mustPut(t, s, "abc", model.StageCrop, "a.png", "A")

	buf := new(bytes.Buffer)
	require.NoError(t, s.ExportZip(ctx, "abc", model.StageCrop, buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "a.png", zr.File[0].Name)
	assert.Equal(t, "b.png", zr.File[1].Name)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, []byte("BB"), data)

	err = s.ExportZip(ctx, "abc", model.StageInput, new(bytes.Buffer))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExportFilesZip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustPut(t, s, "abc", model.StageCrop, "a.png", "A")
	mustPut(t, s, "abc", model.StageCrop, "b.png", "B")
	mustPut(t, s, "abc", model.StageCrop, "c.png", "C")

	buf := new(bytes.Buffer)
	require.NoError(t, s.ExportFilesZip(ctx, "abc", model.StageCrop, []string{"c.png", "a.png"}, buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "c.png", zr.File[0].Name)
	assert.Equal(t, "a.png", zr.File[1].Name)

	err = s.ExportFilesZip(ctx, "abc", model.StageCrop, []string{"x.png"}, new(bytes.Buffer))
	assert.ErrorIs(t, err, ErrMissingFiles)
}
