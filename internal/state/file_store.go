package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	DefaultLockTimeout = 5 * time.Second
	DefaultRetryDelay  = 100 * time.Millisecond
)

// FileStore keeps each document as <dir>/<name>, guarded by an advisory
// lock on <dir>/<name>.lock that every process must take.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	retryDelay  time.Duration
	onTimeout   func(name string)
}

type Option func(*FileStore)

func WithLockTimeout(d time.Duration) Option {
	return func(s *FileStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(s *FileStore) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// WithTimeoutHook is called each time a lock acquisition times out.
func WithTimeoutHook(fn func(name string)) Option {
	return func(s *FileStore) { s.onTimeout = fn }
}

func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &FileStore{
		dir:         dir,
		lockTimeout: DefaultLockTimeout,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Path(name string) string { return filepath.Join(s.dir, name) }

func (s *FileStore) WithDocument(ctx context.Context, name string, mode Mode, fn func(doc *Document) error) error {
	path := s.Path(name)
	lock := flock.New(path + ".lock")

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	locked, err := lock.TryLockContext(lockCtx, s.retryDelay)
	cancel()
	if err != nil || !locked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.onTimeout != nil {
			s.onTimeout(name)
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("lock %s: %w", name, err)
		}
		return fmt.Errorf("lock %s after %s: %w", name, s.lockTimeout, ErrLockTimeout)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Error("state unlock failed", "document", name, "error", err)
		}
	}()

	raw, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("state document unreadable, using empty object", "document", name, "error", err)
		raw = nil
	}

	doc := newDocument(name, raw)
	fnErr := fn(doc)
	if mode == Write && doc.dirty {
		if err := writeDurable(path, doc.raw); err != nil {
			slog.Error("state write failed", "document", name, "error", err)
			return errors.Join(fnErr, fmt.Errorf("write %s: %w", name, err))
		}
	}
	return fnErr
}

// writeDurable replaces path via a synced temp file and rename.
func writeDurable(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func warn(msg, name string) {
	slog.Warn(msg, "document", name)
}
