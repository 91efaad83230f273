// Package backend defines the storage contract for state documents and
// the lock protocol every implementation shares. Backends store opaque
// objects under slash-separated paths; the lock protocol is layered on
// those same object operations, so a backend only has to implement
// Read/Write/Delete/List/Exists correctly to get locking for free.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a state object does not exist.
	ErrNotFound = errors.New("state not found")

	// ErrLocked is returned when a lock cannot be acquired.
	ErrLocked = errors.New("state is locked")
)

// StaleAfter is how old a lock must be before force-unlock may remove it.
const StaleAfter = time.Hour

// LockMode selects between concurrent readers and a single writer.
type LockMode string

const (
	// LockShared allows many holders at once. Plans and output reads
	// take shared locks.
	LockShared LockMode = "shared"

	// LockExclusive allows a single holder and no shared holders.
	// Applies and destroys take exclusive locks.
	LockExclusive LockMode = "exclusive"
)

// LockInfo describes a held lock.
type LockInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Mode      LockMode  `json:"mode"`
	Who       string    `json:"who"`
	Operation string    `json:"operation"`
	Created   time.Time `json:"created"`
}

// Stale reports whether the lock is old enough for force-unlock to
// reclaim it.
func (i LockInfo) Stale() bool {
	return time.Since(i.Created) > StaleAfter
}

// LockError reports a failed lock acquisition, carrying the holder's info
// so callers can tell the user who to chase.
type LockError struct {
	Info LockInfo
	Err  error
}

func (e *LockError) Error() string {
	age := time.Since(e.Info.Created).Round(time.Second)
	return fmt.Sprintf("state is locked: %s lock held by %q for %s (acquired %s ago, id %s)",
		e.Info.Mode, e.Info.Who, e.Info.Operation, age, e.Info.ID)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// Lock is a held lock.
type Lock interface {
	// ID returns the lock's unique identifier.
	ID() string

	// Info returns the lock metadata.
	Info() LockInfo

	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Backend stores state objects.
type Backend interface {
	// Type returns the backend identifier (e.g., "local", "s3")
	Type() string

	// Read returns the object at path, or ErrNotFound.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write stores the object at path, replacing any existing object.
	Write(ctx context.Context, path string, data io.Reader) error

	// Delete removes the object at path. Deleting an absent object is
	// not an error.
	Delete(ctx context.Context, path string) error

	// List returns the paths of all objects whose path starts with
	// prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether an object is stored at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Lock acquires a lock covering path in the requested mode. A held
	// lock, stale or not, fails the acquisition with a *LockError.
	Lock(ctx context.Context, path string, info LockInfo) (Lock, error)

	// ForceUnlock removes the lock with the given ID. Only stale locks
	// may be removed.
	ForceUnlock(ctx context.Context, path, id string) error
}

// Factory creates a backend from its configuration map.
type Factory func(config map[string]string) (Backend, error)

// Config selects and configures a backend.
type Config struct {
	Type   string
	Config map[string]string
}

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register adds a backend factory. Backend packages call it from init, so
// importing a backend package is what makes its type available.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Create instantiates the backend named by config.Type.
func Create(config Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := factories[config.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", config.Type)
	}

	return factory(config.Config)
}

// Types returns the registered backend names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
