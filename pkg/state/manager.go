// Package state provides state persistence for groundctl.
//
// A Manager reads and writes one state document at a fixed path inside a
// backend, and mediates the lock protocol around it: plans and output
// reads take a shared lock, applies and destroys take the exclusive
// lock for the whole cycle.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"

	"github.com/groundctl/groundctl/pkg/state/backend"
	"github.com/groundctl/groundctl/pkg/state/types"
)

// DefaultPath is where the state document lives when no path is
// configured.
const DefaultPath = "groundctl.state.json"

// Manager provides document-level operations over a state backend.
type Manager struct {
	backend backend.Backend
	path    string
}

// NewManager creates a state manager storing its document at DefaultPath.
func NewManager(b backend.Backend) *Manager {
	return NewManagerWithPath(b, DefaultPath)
}

// NewManagerWithPath creates a state manager storing its document at the
// given backend path.
func NewManagerWithPath(b backend.Backend, path string) *Manager {
	if path == "" {
		path = DefaultPath
	}
	return &Manager{backend: b, path: path}
}

// NewManagerFromConfig creates a state manager from backend configuration.
func NewManagerFromConfig(config backend.Config, path string) (*Manager, error) {
	b, err := backend.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	return NewManagerWithPath(b, path), nil
}

func (m *Manager) Backend() backend.Backend {
	return m.backend
}

// Path returns the backend path of the state document.
func (m *Manager) Path() string {
	return m.path
}

// ReadDocument returns the stored state document. When none exists yet a
// fresh empty document with a new lineage is returned.
func (m *Manager) ReadDocument(ctx context.Context) (*types.Document, error) {
	reader, err := m.backend.Read(ctx, m.path)
	if err != nil {
		if err == backend.ErrNotFound {
			return types.NewDocument(), nil
		}
		return nil, fmt.Errorf("failed to read state document: %w", err)
	}
	defer reader.Close()

	var doc types.Document
	if err := json.NewDecoder(reader).Decode(&doc); err != nil {
		return nil, fmt.Errorf("state document at %s is corrupt: %w", m.path, err)
	}

	if doc.Version > types.DocumentVersion {
		return nil, fmt.Errorf("state document version %d is newer than this build supports (%d)",
			doc.Version, types.DocumentVersion)
	}

	return &doc, nil
}

// WriteDocument persists the document, bumping its serial first. Every
// successful write is observable as a strictly increasing serial.
func (m *Manager) WriteDocument(ctx context.Context, doc *types.Document) error {
	doc.Serial++

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state document: %w", err)
	}

	if err := m.backend.Write(ctx, m.path, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("failed to write state document: %w", err)
	}

	return nil
}

// Lock acquires a lock on the state document. Exclusive for apply and
// destroy, shared for plan and output.
func (m *Manager) Lock(ctx context.Context, mode backend.LockMode, operation string) (backend.Lock, error) {
	info := backend.LockInfo{
		Mode:      mode,
		Who:       whoAmI(),
		Operation: operation,
	}
	return m.backend.Lock(ctx, m.path, info)
}

// ForceUnlock removes a stale lock by ID.
func (m *Manager) ForceUnlock(ctx context.Context, id string) error {
	return m.backend.ForceUnlock(ctx, m.path, id)
}

// whoAmI identifies the lock holder as user@host for display in lock
// conflict errors.
func whoAmI() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	u, err := user.Current()
	if err != nil {
		return host
	}
	return u.Username + "@" + host
}
