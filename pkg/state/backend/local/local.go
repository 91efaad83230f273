// Package local implements a local filesystem state backend.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/groundctl/groundctl/pkg/state/backend"
)

func init() {
	backend.Register("local", NewBackend)
}

// Backend implements the state backend interface for local filesystem storage.
type Backend struct {
	basePath string

	// mu serializes lock acquisition and removal within this process.
	// Acquisition is a check-then-write over plain files, so concurrent
	// callers in the same process would otherwise race past each other.
	mu sync.Mutex
}

// NewBackend creates a new local backend.
func NewBackend(config map[string]string) (backend.Backend, error) {
	path := config["path"]
	if path == "" {
		// Default to ~/.groundctl/state
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".groundctl", "state")
	}

	// Ensure base path exists
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Backend{basePath: path}, nil
}

func (b *Backend) Type() string {
	return "local"
}

func (b *Backend) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath := b.fullPath(path)

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", fullPath, err)
	}

	return file, nil
}

func (b *Backend) Write(ctx context.Context, path string, data io.Reader) error {
	fullPath := b.fullPath(path)

	// Ensure parent directory exists
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temp file first, then rename for atomicity
	tempFile, err := os.CreateTemp(dir, ".groundctl-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	_, err = io.Copy(tempFile, data)
	if closeErr := tempFile.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write state: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, fullPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save state: %w", err)
	}

	return nil
}

func (b *Backend) Delete(ctx context.Context, path string) error {
	fullPath := b.fullPath(path)

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil // Idempotent
		}
		return fmt.Errorf("failed to delete %s: %w", fullPath, err)
	}

	return nil
}

// List walks the whole store and filters by path prefix. The prefix may
// name part of a file, such as "env/state.json.lock.shared.", so it
// cannot be treated as a directory.
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.Walk(b.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if strings.HasPrefix(relPath, prefix) {
			paths = append(paths, relPath)
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	return paths, nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	fullPath := b.fullPath(path)

	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s: %w", fullPath, err)
	}

	return true, nil
}

func (b *Backend) Lock(ctx context.Context, path string, info backend.LockInfo) (backend.Lock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return backend.Acquire(ctx, b, path, info)
}

func (b *Backend) ForceUnlock(ctx context.Context, path, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return backend.ForceRemove(ctx, b, path, id)
}

func (b *Backend) fullPath(path string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(path))
}
