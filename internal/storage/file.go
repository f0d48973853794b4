package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ferro-labs/credstore/internal/model"
)

// FileBackend keeps the collection in one JSON file on local disk.
type FileBackend struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex // serialises writers within the process
}

// NewFileBackend returns a backend for path. The parent directory is created
// on first use.
func NewFileBackend(path string, logger *slog.Logger) *FileBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBackend{path: path, logger: logger}
}

// Kind implements Backend.
func (b *FileBackend) Kind() Kind { return KindFile }

// Path returns the file the backend reads and writes.
func (b *FileBackend) Path() string { return b.path }

// Load implements Backend. A missing file is created holding [].
func (b *FileBackend) Load(ctx context.Context) (model.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(KindFile, "load", err)
	}

	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		b.mu.Lock()
		defer b.mu.Unlock()
		// Another writer may have created it meanwhile.
		if data, err = os.ReadFile(b.path); err == nil {
			return b.decode(data)
		}
		empty := model.Collection{}
		if err := b.write(empty); err != nil {
			return nil, unavailable(KindFile, "load", err)
		}
		b.logger.Info("initialised key file", "path", b.path)
		return empty, nil
	}
	if err != nil {
		return nil, unavailable(KindFile, "load", err)
	}
	return b.decode(data)
}

// Save implements Backend.
func (b *FileBackend) Save(ctx context.Context, c model.Collection) error {
	if err := ctx.Err(); err != nil {
		return unavailable(KindFile, "save", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(c); err != nil {
		return unavailable(KindFile, "save", err)
	}
	return nil
}

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) decode(data []byte) (model.Collection, error) {
	c, err := decode(data)
	if err != nil {
		return nil, corrupt(KindFile, "load", fmt.Errorf("%s: %w", b.path, err))
	}
	return c, nil
}

// write replaces the file atomically: temp file in the same directory,
// fsync, rename. Must be called with b.mu held.
func (b *FileBackend) write(c model.Collection) error {
	data, err := encode(c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("replace key file: %w", err)
	}
	return nil
}
