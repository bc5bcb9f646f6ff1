package backup

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

// BulkOptions bounds a BackupMany/RestoreMany run.
type BulkOptions struct {
	// MaxConcurrency caps in-flight operations. Defaults to 4.
	MaxConcurrency int

	// ContinueOnError isolates per-item failures: the run finishes every
	// item and reports failures in the result instead of aborting on the
	// first one.
	ContinueOnError bool
}

func (o BulkOptions) withDefaults() BulkOptions {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
	return o
}

// BackupItem names one document to back up with its stores.
type BackupItem struct {
	Document  *types.ObjectDocument
	Data      storage.DataStore
	Snapshots storage.SnapshotStore
	Options   Options
}

// FailedItem pairs an input index with the error that sank it.
type FailedItem struct {
	Index int
	Err   error
}

// BulkBackupResult aggregates a BackupMany run.
type BulkBackupResult struct {
	SuccessCount      int
	FailureCount      int
	SuccessfulBackups []types.BackupHandle
	FailedBackups     []FailedItem
	Elapsed           time.Duration
}

// BackupMany backs up every item, at most opts.MaxConcurrency at a time.
// Without ContinueOnError the first failure cancels the rest; the partial
// result is still returned alongside the error.
func (s *Service) BackupMany(ctx context.Context, items []BackupItem, opts BulkOptions, progress Progress) (*BulkBackupResult, error) {
	opts = opts.withDefaults()
	start := time.Now()

	var mu sync.Mutex
	res := &BulkBackupResult{}
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			handle, err := s.BackupDocument(gctx, item.Document, item.Data, item.Snapshots, item.Options, nil)
			mu.Lock()
			if err != nil {
				res.FailureCount++
				res.FailedBackups = append(res.FailedBackups, FailedItem{Index: i, Err: err})
			} else {
				res.SuccessCount++
				res.SuccessfulBackups = append(res.SuccessfulBackups, handle)
			}
			done := res.SuccessCount + res.FailureCount
			mu.Unlock()
			report(progress, "backup", done, len(items))
			if err != nil && !opts.ContinueOnError {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	res.Elapsed = time.Since(start)
	return res, err
}

// RestoreItem names one handle to restore with its target stores.
type RestoreItem struct {
	Handle    types.BackupHandle
	Documents storage.ObjectDocumentStore
	Data      storage.DataStore
	Snapshots storage.SnapshotStore
	Options   RestoreOptions
}

// BulkRestoreResult aggregates a RestoreMany run.
type BulkRestoreResult struct {
	SuccessCount       int
	FailureCount       int
	SuccessfulRestores []RestoreResult
	FailedRestores     []FailedItem
	Elapsed            time.Duration
}

// RestoreMany restores every item with the same concurrency and failure
// semantics as BackupMany.
func (s *Service) RestoreMany(ctx context.Context, items []RestoreItem, opts BulkOptions, progress Progress) (*BulkRestoreResult, error) {
	opts = opts.withDefaults()
	start := time.Now()

	var mu sync.Mutex
	res := &BulkRestoreResult{}
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			r, err := s.RestoreStream(gctx, item.Handle, item.Documents, item.Data, item.Snapshots, item.Options, nil)
			mu.Lock()
			if err != nil {
				res.FailureCount++
				res.FailedRestores = append(res.FailedRestores, FailedItem{Index: i, Err: err})
			} else {
				res.SuccessCount++
				res.SuccessfulRestores = append(res.SuccessfulRestores, *r)
			}
			done := res.SuccessCount + res.FailureCount
			mu.Unlock()
			report(progress, "restore", done, len(items))
			if err != nil && !opts.ContinueOnError {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	res.Elapsed = time.Since(start)
	return res, err
}
