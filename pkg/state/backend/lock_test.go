package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memBackend is an in-memory object store used to exercise the lock
// protocol.
type memBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte)}
}

func (m *memBackend) Type() string { return "mem" }

func (m *memBackend) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBackend) Write(ctx context.Context, path string, data io.Reader) error {
	content, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = content
	return nil
}

func (m *memBackend) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for path := range m.objects {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *memBackend) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBackend) Lock(ctx context.Context, path string, info LockInfo) (Lock, error) {
	return Acquire(ctx, m, path, info)
}

func (m *memBackend) ForceUnlock(ctx context.Context, path, id string) error {
	return ForceRemove(ctx, m, path, id)
}

// putLock writes a lock object directly, bypassing Acquire.
func putLock(t *testing.T, m *memBackend, objectPath string, info LockInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal lock: %v", err)
	}
	if err := m.Write(context.Background(), objectPath, bytes.NewReader(data)); err != nil {
		t.Fatalf("write lock: %v", err)
	}
}

func TestAcquire_Exclusive(t *testing.T) {
	m := newMemBackend()
	ctx := context.Background()

	lock, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockExclusive, Who: "alice", Operation: "apply"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lock.ID() == "" {
		t.Error("expected a lock ID")
	}

	exists, _ := m.Exists(ctx, "state.json.lock")
	if !exists {
		t.Error("expected exclusive lock object to exist")
	}

	_, err = m.Lock(ctx, "state.json", LockInfo{Mode: LockExclusive, Who: "bob", Operation: "apply"})
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %v", err)
	}
	if lockErr.Info.Who != "alice" {
		t.Errorf("expected the holder's info, got %q", lockErr.Info.Who)
	}

	if err := lock.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockExclusive, Who: "bob", Operation: "apply"}); err != nil {
		t.Fatalf("expected acquisition after release, got %v", err)
	}
}

func TestAcquire_SharedAllowsManyHolders(t *testing.T) {
	m := newMemBackend()
	ctx := context.Background()

	first, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockShared, Who: "alice", Operation: "plan"})
	if err != nil {
		t.Fatalf("first shared: %v", err)
	}
	second, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockShared, Who: "bob", Operation: "plan"})
	if err != nil {
		t.Fatalf("second shared: %v", err)
	}

	if first.ID() == second.ID() {
		t.Error("expected distinct holder IDs")
	}

	holders, _ := m.List(ctx, "state.json.lock.shared.")
	if len(holders) != 2 {
		t.Errorf("expected 2 holder objects, got %d", len(holders))
	}
}

func TestAcquire_SharedBlocksExclusive(t *testing.T) {
	m := newMemBackend()
	ctx := context.Background()

	shared, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockShared, Who: "alice", Operation: "plan"})
	if err != nil {
		t.Fatalf("shared: %v", err)
	}

	_, err = m.Lock(ctx, "state.json", LockInfo{Mode: LockExclusive, Who: "bob", Operation: "apply"})
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %v", err)
	}
	if lockErr.Info.Mode != LockShared {
		t.Errorf("expected the blocking shared holder, got mode %s", lockErr.Info.Mode)
	}

	if err := shared.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockExclusive, Who: "bob", Operation: "apply"}); err != nil {
		t.Fatalf("expected exclusive after shared release, got %v", err)
	}
}

func TestAcquire_ExclusiveBlocksShared(t *testing.T) {
	m := newMemBackend()
	ctx := context.Background()

	if _, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockExclusive, Who: "alice", Operation: "apply"}); err != nil {
		t.Fatalf("exclusive: %v", err)
	}

	_, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockShared, Who: "bob", Operation: "plan"})
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %v", err)
	}
	if lockErr.Info.Mode != LockExclusive {
		t.Errorf("expected the exclusive holder's info, got mode %s", lockErr.Info.Mode)
	}
}

func TestAcquire_DefaultsToExclusive(t *testing.T) {
	m := newMemBackend()
	ctx := context.Background()

	lock, err := m.Lock(ctx, "state.json", LockInfo{Who: "alice", Operation: "apply"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lock.Info().Mode != LockExclusive {
		t.Errorf("expected exclusive by default, got %s", lock.Info().Mode)
	}
}

func TestAcquire_StaleLockStillBlocks(t *testing.T) {
	m := newMemBackend()
	ctx := context.Background()

	putLock(t, m, "state.json.lock", LockInfo{
		ID:      "stale-1",
		Path:    "state.json",
		Mode:    LockExclusive,
		Who:     "crashed-run",
		Created: time.Now().Add(-2 * time.Hour),
	})

	_, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockExclusive, Who: "bob", Operation: "apply"})
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected the stale lock to still block, got %v", err)
	}
	if !lockErr.Info.Stale() {
		t.Error("expected the reported lock to be stale")
	}
}

func TestForceRemove_StaleExclusive(t *testing.T) {
	m := newMemBackend()
	ctx := context.Background()

	putLock(t, m, "state.json.lock", LockInfo{
		ID:      "stale-1",
		Path:    "state.json",
		Mode:    LockExclusive,
		Who:     "crashed-run",
		Created: time.Now().Add(-2 * time.Hour),
	})

	if err := m.ForceUnlock(ctx, "state.json", "stale-1"); err != nil {
		t.Fatalf("force unlock: %v", err)
	}

	if _, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockExclusive, Who: "bob", Operation: "apply"}); err != nil {
		t.Fatalf("expected acquisition after force unlock, got %v", err)
	}
}

func TestForceRemove_FreshLockRefused(t *testing.T) {
	m := newMemBackend()
	ctx := context.Background()

	lock, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockExclusive, Who: "alice", Operation: "apply"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err = m.ForceUnlock(ctx, "state.json", lock.ID())
	if err == nil {
		t.Fatal("expected refusal for a fresh lock")
	}
	if !strings.Contains(err.Error(), "older than") {
		t.Errorf("expected the staleness rule in the error, got %v", err)
	}
}

func TestForceRemove_StaleSharedHolder(t *testing.T) {
	m := newMemBackend()
	ctx := context.Background()

	id := uuid.New().String()
	putLock(t, m, "state.json.lock.shared."+id, LockInfo{
		ID:      id,
		Path:    "state.json",
		Mode:    LockShared,
		Who:     "crashed-plan",
		Created: time.Now().Add(-2 * time.Hour),
	})

	if err := m.ForceUnlock(ctx, "state.json", id); err != nil {
		t.Fatalf("force unlock: %v", err)
	}

	if _, err := m.Lock(ctx, "state.json", LockInfo{Mode: LockExclusive, Who: "bob", Operation: "apply"}); err != nil {
		t.Fatalf("expected exclusive after holder removal, got %v", err)
	}
}

func TestForceRemove_UnknownID(t *testing.T) {
	m := newMemBackend()

	err := m.ForceUnlock(context.Background(), "state.json", "does-not-exist")
	if err == nil {
		t.Fatal("expected error for unknown lock ID")
	}
	if !strings.Contains(err.Error(), "no lock with id") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLockInfo_Stale(t *testing.T) {
	fresh := LockInfo{Created: time.Now()}
	if fresh.Stale() {
		t.Error("fresh lock reported stale")
	}

	old := LockInfo{Created: time.Now().Add(-2 * time.Hour)}
	if !old.Stale() {
		t.Error("two hour old lock not reported stale")
	}
}

func TestLockError_Message(t *testing.T) {
	err := &LockError{
		Info: LockInfo{
			ID:        "lock-1",
			Mode:      LockExclusive,
			Who:       "alice@host",
			Operation: "apply",
			Created:   time.Now().Add(-time.Minute),
		},
		Err: ErrLocked,
	}

	msg := err.Error()
	for _, want := range []string{"alice@host", "apply", "lock-1", "exclusive"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in message %q", want, msg)
		}
	}
	if !errors.Is(err, ErrLocked) {
		t.Error("expected LockError to unwrap to ErrLocked")
	}
}
