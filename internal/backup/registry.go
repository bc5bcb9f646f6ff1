package backup

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/steveyegge/streambed/internal/debug"
	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

// Registry tracks backup handles so restores can find them later. Handles
// expire after the registry's retention period.
type Registry interface {
	Register(ctx context.Context, handle types.BackupHandle) error
	Get(ctx context.Context, backupID string) (types.BackupHandle, error)
	List(ctx context.Context, pageSize int, token string) (storage.PagedResult[types.BackupHandle], error)
	Remove(ctx context.Context, backupID string) (bool, error)
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryRegistry is an in-memory Registry with fixed retention. Listing is
// ordered by creation time, newest first.
type MemoryRegistry struct {
	mu        sync.RWMutex
	handles   map[string]types.BackupHandle
	retention time.Duration
}

// NewMemoryRegistry creates a registry. retention <= 0 means handles never
// expire.
func NewMemoryRegistry(retention time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		handles:   make(map[string]types.BackupHandle),
		retention: retention,
	}
}

// Register implements Registry; re-registering a backup id overwrites.
func (r *MemoryRegistry) Register(ctx context.Context, handle types.BackupHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[handle.BackupID] = handle
	return nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(ctx context.Context, backupID string) (types.BackupHandle, error) {
	if err := ctx.Err(); err != nil {
		return types.BackupHandle{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[backupID]
	if !ok {
		return types.BackupHandle{}, fmt.Errorf("backup %s: %w", backupID, storage.ErrNotFound)
	}
	return h, nil
}

// List implements Registry. The continuation token is the offset into the
// newest-first ordering; callers treat it as opaque.
func (r *MemoryRegistry) List(ctx context.Context, pageSize int, token string) (storage.PagedResult[types.BackupHandle], error) {
	if err := ctx.Err(); err != nil {
		return storage.PagedResult[types.BackupHandle]{}, err
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return storage.PagedResult[types.BackupHandle]{}, fmt.Errorf("bad continuation token %q", token)
		}
		offset = n
	}

	r.mu.RLock()
	all := make([]types.BackupHandle, 0, len(r.handles))
	for _, h := range r.handles {
		all = append(all, h)
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].BackupID < all[j].BackupID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset > len(all) {
		offset = len(all)
	}
	end := offset + pageSize
	if end > len(all) {
		end = len(all)
	}
	out := storage.PagedResult[types.BackupHandle]{
		Items:    all[offset:end],
		PageSize: pageSize,
	}
	if end < len(all) {
		out.ContinuationToken = strconv.Itoa(end)
	}
	return out, nil
}

// Remove implements Registry; false when the id was not registered.
func (r *MemoryRegistry) Remove(ctx context.Context, backupID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[backupID]; !ok {
		return false, nil
	}
	delete(r.handles, backupID)
	return true, nil
}

// CleanupExpired implements Registry: it drops every handle with
// createdAt + retention < now and returns how many were dropped.
func (r *MemoryRegistry) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if r.retention <= 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, h := range r.handles {
		if h.CreatedAt.Add(r.retention).Before(now) {
			delete(r.handles, id)
			dropped++
		}
	}
	if dropped > 0 {
		debug.Logf("backup registry: expired %d handles\n", dropped)
	}
	return dropped, nil
}
