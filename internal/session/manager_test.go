package session

import (
	"archive/zip"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	m, err := NewManager(fs, "/sessions", ttl)
	require.NoError(t, err)
	return m, fs
}

func assertRootEmpty(t *testing.T, fs afero.Fs) {
	t.Helper()
	infos, err := afero.ReadDir(fs, "/sessions")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestFinalizeZipsAndRemovesSession(t *testing.T) {
	ctx := context.Background()
	m, fs := newTestManager(t, 0)

	id, err := m.Start(ctx)
	require.NoError(t, err)
	assert.Len(t, id, 32)

	require.NoError(t, m.Add(ctx, id, "b.png", []byte("B")))
	require.NoError(t, m.Add(ctx, id, "a.png", []byte("A")))

	names, err := m.Files(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, names)

	buf := new(bytes.Buffer)
	n, err := m.Finalize(ctx, id, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "a.png", zr.File[0].Name)
	assert.Equal(t, "b.png", zr.File[1].Name)

	assertRootEmpty(t, fs)

	_, err = m.Finalize(ctx, id, new(bytes.Buffer))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Add(ctx, id, "c.png", nil), ErrSessionNotFound)
}

func TestFinalizeRemovesSessionOnFailure(t *testing.T) {
	m, fs := newTestManager(t, 0)

	id, err := m.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Add(context.Background(), id, "a.png", []byte("A")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = m.Finalize(ctx, id, new(bytes.Buffer))
	assert.ErrorIs(t, err, context.Canceled)
	assertRootEmpty(t, fs)
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	m, fs := newTestManager(t, 0)

	id, err := m.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Add(ctx, id, "a.png", []byte("A")))

	require.NoError(t, m.Abandon(id))
	assertRootEmpty(t, fs)
	assert.ErrorIs(t, m.Abandon(id), ErrSessionNotFound)
}

func TestAddRejectsInvalidNames(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 0)

	id, err := m.Start(ctx)
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "../x.png", "dir/x.png"} {
		assert.ErrorIs(t, m.Add(ctx, id, name, nil), ErrInvalidName, name)
	}
	assert.ErrorIs(t, m.Add(ctx, "unknown", "a.png", nil), ErrSessionNotFound)
}

func TestExpireRemovesIdleSessions(t *testing.T) {
	ctx := context.Background()
	m, fs := newTestManager(t, time.Minute)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	stale, err := m.Start(ctx)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	fresh, err := m.Start(ctx)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, m.Expire())

	_, err = m.Files(stale)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Files(fresh)
	assert.NoError(t, err)

	exists, err := afero.DirExists(fs, "/sessions/"+stale)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExpireWithoutTTL(t *testing.T) {
	m, _ := newTestManager(t, 0)
	_, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Zero(t, m.Expire())
}

func TestCloseRemovesEverything(t *testing.T) {
	ctx := context.Background()
	m, fs := newTestManager(t, 0)

	for i := 0; i < 3; i++ {
		id, err := m.Start(ctx)
		require.NoError(t, err)
		require.NoError(t, m.Add(ctx, id, "a.png", []byte("A")))
	}

	require.NoError(t, m.Close())
	assertRootEmpty(t, fs)
}

func TestConcurrentAddAndFinalize(t *testing.T) {
	ctx := context.Background()
	m, fs := newTestManager(t, 0)

	id, err := m.Start(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Add(ctx, id, "a.png", []byte("A"))
		}()
	}
	_, err = m.Finalize(ctx, id, new(bytes.Buffer))
	require.NoError(t, err)
	wg.Wait()

	assertRootEmpty(t, fs)
}
