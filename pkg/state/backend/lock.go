package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Lock objects live next to the document they cover: the exclusive lock
// at <path>.lock, shared holders at <path>.lock.shared.<id>. An exclusive
// acquisition fails while the exclusive object or any shared holder
// exists; a shared acquisition fails only while the exclusive object
// exists. Existing locks block even when stale: reclaiming one is an
// explicit ForceUnlock, never a side effect of acquisition.

// Acquire implements the lock protocol on top of a backend's object
// operations. Backends delegate their Lock method here.
func Acquire(ctx context.Context, b Backend, path string, info LockInfo) (Lock, error) {
	if info.Mode == "" {
		info.Mode = LockExclusive
	}
	info.ID = uuid.New().String()
	info.Path = path
	info.Created = time.Now()

	exclusivePath := path + ".lock"

	existing, err := readLockInfo(ctx, b, exclusivePath)
	switch {
	case err == nil:
		return nil, &LockError{Info: existing, Err: ErrLocked}
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to inspect lock %s: %w", exclusivePath, err)
	}

	objectPath := sharedHolderPath(path, info.ID)
	if info.Mode == LockExclusive {
		holder, err := liveSharedHolder(ctx, b, path)
		if err != nil {
			return nil, err
		}
		if holder != nil {
			return nil, &LockError{Info: *holder, Err: ErrLocked}
		}
		objectPath = exclusivePath
	}

	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}
	if err := b.Write(ctx, objectPath, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}

	return &heldLock{backend: b, objectPath: objectPath, info: info}, nil
}

// ForceRemove removes the lock with the given ID once it has gone stale.
// Backends delegate their ForceUnlock method here.
func ForceRemove(ctx context.Context, b Backend, path, id string) error {
	exclusivePath := path + ".lock"

	info, err := readLockInfo(ctx, b, exclusivePath)
	switch {
	case err == nil && info.ID == id:
		return removeIfStale(ctx, b, exclusivePath, info)
	case err != nil && !errors.Is(err, ErrNotFound):
		return fmt.Errorf("failed to inspect lock %s: %w", exclusivePath, err)
	}

	sharedPath := sharedHolderPath(path, id)
	info, err = readLockInfo(ctx, b, sharedPath)
	switch {
	case err == nil:
		return removeIfStale(ctx, b, sharedPath, info)
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("failed to inspect lock %s: %w", sharedPath, err)
	}

	return fmt.Errorf("no lock with id %s", id)
}

func removeIfStale(ctx context.Context, b Backend, objectPath string, info LockInfo) error {
	if !info.Stale() {
		age := time.Since(info.Created).Round(time.Second)
		return fmt.Errorf("lock %s held by %q is %s old; only locks older than %s can be removed",
			info.ID, info.Who, age, StaleAfter)
	}
	return b.Delete(ctx, objectPath)
}

// liveSharedHolder returns one shared holder's info, or nil when none
// exist. Holders released between listing and reading are skipped.
func liveSharedHolder(ctx context.Context, b Backend, path string) (*LockInfo, error) {
	prefix := path + ".lock.shared."

	holders, err := b.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list shared locks: %w", err)
	}
	sort.Strings(holders)

	for _, holderPath := range holders {
		info, err := readLockInfo(ctx, b, holderPath)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to inspect lock %s: %w", holderPath, err)
		}
		return &info, nil
	}
	return nil, nil
}

func sharedHolderPath(path, id string) string {
	return path + ".lock.shared." + id
}

func readLockInfo(ctx context.Context, b Backend, objectPath string) (LockInfo, error) {
	reader, err := b.Read(ctx, objectPath)
	if err != nil {
		return LockInfo{}, err
	}
	defer reader.Close()

	var info LockInfo
	if err := json.NewDecoder(reader).Decode(&info); err != nil {
		return LockInfo{}, fmt.Errorf("corrupt lock object: %w", err)
	}
	return info, nil
}

// heldLock is a lock acquired through Acquire.
type heldLock struct {
	backend    Backend
	objectPath string
	info       LockInfo
}

func (l *heldLock) ID() string {
	return l.info.ID
}

func (l *heldLock) Info() LockInfo {
	return l.info
}

func (l *heldLock) Unlock(ctx context.Context) error {
	if err := l.backend.Delete(ctx, l.objectPath); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
