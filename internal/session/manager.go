package session

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/wb-go/wbf/zlog"
)

var (
	// ErrSessionNotFound is returned for unknown, finalized or expired sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidName is returned when a file name cannot be stored in a session.
	ErrInvalidName = errors.New("invalid file name")
)

// Manager owns the working directories of crop sessions. Every directory it
// creates is removed by Finalize, Abandon, Expire or Close.
type Manager struct {
	fs   afero.Fs
	root string
	ttl  time.Duration
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	dir string

	// mu is held for reading by writers and for writing by teardown, so a
	// directory is never removed under an in-flight Add.
	mu      sync.RWMutex
	closed  bool
	touched time.Time
}

// NewManager creates a Manager rooted at root. Sessions idle for longer than
// ttl are removed by Expire; a zero ttl keeps sessions until they are closed.
func NewManager(fs afero.Fs, root string, ttl time.Duration) (*Manager, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions root: %w", err)
	}

	return &Manager{
		fs:       fs,
		root:     root,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}, nil
}

// Start opens a new session and returns its id.
func (m *Manager) Start(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	dir := path.Join(m.root, id)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = &entry{dir: dir, touched: m.now()}
	m.mu.Unlock()

	return id, nil
}

// Add stores data under name in the session, replacing an existing file
// with the same name.
func (m *Manager) Add(ctx context.Context, id, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || name != path.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrSessionNotFound
	}

	if err := afero.WriteFile(m.fs, path.Join(e.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	m.mu.Lock()
	e.touched = m.now()
	m.mu.Unlock()

	return nil
}

// Files lists the names stored in the session, sorted.
func (m *Manager) Files(id string) ([]string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrSessionNotFound
	}

	return m.files(e.dir)
}

// Finalize writes every file of the session to w as a zip archive and ends
// the session. The session directory is removed even when writing fails.
func (m *Manager) Finalize(ctx context.Context, id string, w io.Writer) (int, error) {
	e, err := m.detach(id)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	defer func() {
		if err := m.fs.RemoveAll(e.dir); err != nil {
			zlog.Logger.Err(err).Str("session", id).Msg("failed to remove finalized session")
		}
	}()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	names, err := m.files(e.dir)
	if err != nil {
		return 0, err
	}

	zw := zip.NewWriter(w)
	for _, name := range names {
		data, err := afero.ReadFile(m.fs, path.Join(e.dir, name))
		if err != nil {
			return 0, fmt.Errorf("failed to read session file %s: %w", name, err)
		}
		fw, err := zw.Create(name)
		if err != nil {
			return 0, fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return 0, fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish archive: %w", err)
	}

	return len(names), nil
}

// Abandon ends the session and discards its files.
func (m *Manager) Abandon(id string) error {
	e, err := m.detach(id)
	if err != nil {
		return err
	}

	return m.remove(id, e)
}

// Expire removes every session idle for longer than the ttl and returns the
// number of sessions removed.
func (m *Manager) Expire() int {
	if m.ttl <= 0 {
		return 0
	}

	deadline := m.now().Add(-m.ttl)

	m.mu.Lock()
	expired := make(map[string]*entry)
	for id, e := range m.sessions {
		if e.touched.Before(deadline) {
			expired[id] = e
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for id, e := range expired {
		if err := m.remove(id, e); err != nil {
			zlog.Logger.Err(err).Str("session", id).Msg("failed to remove expired session")
		}
	}

	return len(expired)
}

// Run calls Expire every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Expire(); n > 0 {
				zlog.Logger.Info().Int("count", n).Msg("expired idle sessions")
			}
		}
	}
}

// Close removes every open session.
func (m *Manager) Close() error {
	m.mu.Lock()
	open := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	var errs []error
	for id, e := range open {
		if err := m.remove(id, e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

func (m *Manager) detach(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	return e, nil
}

func (m *Manager) remove(id string, e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	if err := m.fs.RemoveAll(e.dir); err != nil {
		return fmt.Errorf("failed to remove session %s: %w", id, err)
	}
	return nil
}

func (m *Manager) files(dir string) ([]string, error) {
	infos, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list session files: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)

	return names, nil
}
