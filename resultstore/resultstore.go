// Package resultstore durably persists the interim, final and error outcomes
// of script executions, one record per metrics config name.
//
// Final and error results are written straight through to disk. Interim
// results live in a write-back memory cache with per-record dirty tracking;
// a record's dirty bit is cleared only after its disk write succeeds. All
// disk I/O runs on a worker pool so slow storage never blocks the scheduling
// path.
package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/metric"
	"github.com/c360/cartelemetry/pkg/bundle"
	"github.com/c360/cartelemetry/pkg/retry"
	"github.com/c360/cartelemetry/pkg/worker"
)

// Result kinds map to the three on-disk directories.
const (
	dirInterim = "interim"
	dirFinal   = "final"
	dirError   = "error"
)

// DefaultRetention is how long records are kept before Flush evicts them.
const DefaultRetention = 30 * 24 * time.Hour

// Bundle keys used to encode a ScriptError record.
const (
	errKeyKind    = "error_kind"
	errKeyMessage = "message"
	errKeyTrace   = "stack_trace"
)

// ScriptError is the persisted form of a failed script execution.
type ScriptError struct {
	Kind    string
	Message string
	Trace   string
}

func (e *ScriptError) toBundle() *bundle.Bundle {
	b := bundle.New()
	b.PutString(errKeyKind, e.Kind)
	b.PutString(errKeyMessage, e.Message)
	b.PutString(errKeyTrace, e.Trace)
	return b
}

func scriptErrorFromBundle(b *bundle.Bundle) *ScriptError {
	if b == nil {
		return nil
	}
	var e ScriptError
	e.Kind, _ = b.GetString(errKeyKind)
	e.Message, _ = b.GetString(errKeyMessage)
	e.Trace, _ = b.GetString(errKeyTrace)
	return &e
}

// interimRecord is one write-back cache entry.
type interimRecord struct {
	data      *bundle.Bundle
	dirty     bool
	gen       uint64 // bumped on every put; guards dirty clearing
	updatedAt time.Time
}

// ioJob is one unit of disk work executed on the pool.
type ioJob func(ctx context.Context) error

// Options configures a Store.
type Options struct {
	Retention time.Duration
	IOWorkers int
	Metrics   *metric.Metrics
	Logger    *slog.Logger
}

// Store is the durable result record store.
type Store struct {
	dir       string
	retention time.Duration
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu      sync.Mutex
	interim map[string]*interimRecord

	pool *worker.Pool[ioJob]
}

// New creates a Store rooted at dir, creating the three record directories
// and eagerly loading all interim records into memory so the event-push path
// never reads disk synchronously.
func New(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "New", "directory is required")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// One worker keeps disk jobs FIFO: a removal must never overtake the
	// write it is meant to purge. More workers trade that ordering away.
	if opts.IOWorkers <= 0 {
		opts.IOWorkers = 1
	}

	for _, sub := range []string{dirInterim, dirFinal, dirError} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.WrapFatal(err, "Store", "New", "create record directory")
		}
	}

	s := &Store{
		dir:       dir,
		retention: opts.Retention,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		interim:   make(map[string]*interimRecord),
	}
	s.pool = worker.NewPool(opts.IOWorkers, 256, func(ctx context.Context, job ioJob) error {
		return job(ctx)
	})

	s.loadInterim()
	return s, nil
}

// Start starts the disk I/O workers.
func (s *Store) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Stop drains pending disk work.
func (s *Store) Stop(timeout time.Duration) error {
	return s.pool.Stop(timeout)
}

// loadInterim warms the cache from the interim directory. Unreadable records
// are logged and skipped; a partially warm cache beats failing startup.
func (s *Store) loadInterim() {
	entries, err := os.ReadDir(filepath.Join(s.dir, dirInterim))
	if err != nil {
		s.logger.Warn("failed to list interim records", "error", err)
		return
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		b, err := s.readFile(dirInterim, name)
		if err != nil {
			s.logger.Warn("skipping unreadable interim record", "config", name, "error", err)
			continue
		}
		s.interim[name] = &interimRecord{data: b, updatedAt: now}
	}
	if len(s.interim) > 0 {
		s.logger.Info("loaded interim records", "count", len(s.interim))
	}
}

// GetInterim returns the cached interim state for a config, nil if none.
func (s *Store) GetInterim(name string) *bundle.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.interim[name]
	if !ok {
		return nil
	}
	return rec.data
}

// PutInterim stores interim state in memory and marks the record dirty. The
// disk copy catches up on the next Flush.
func (s *Store) PutInterim(name string, b *bundle.Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.interim[name]
	if !ok {
		rec = &interimRecord{}
		s.interim[name] = rec
	}
	rec.data = b
	rec.dirty = true
	rec.gen++
	rec.updatedAt = time.Now()
	s.updateDirtyGauge()
}

// PutFinal writes a final result straight through to disk and drops the
// interim record for the config. Disk failures are soft: logged, counted,
// never propagated to the scheduling path.
func (s *Store) PutFinal(name string, b *bundle.Bundle) {
	s.dropInterim(name)
	s.submitWrite(dirFinal, name, b)
}

// PutError writes an error record straight through to disk and drops the
// interim record for the config.
func (s *Store) PutError(name string, scriptErr *ScriptError) {
	s.dropInterim(name)
	s.submitWrite(dirError, name, scriptErr.toBundle())
}

// GetFinal reads a final result from disk. With deleteOnRead the record is
// removed after a successful read. Returns ErrRecordNotFound when absent.
func (s *Store) GetFinal(ctx context.Context, name string, deleteOnRead bool) (*bundle.Bundle, error) {
	return s.readSync(ctx, dirFinal, name, deleteOnRead)
}

// GetError reads an error record from disk, optionally deleting it.
func (s *Store) GetError(ctx context.Context, name string, deleteOnRead bool) (*ScriptError, error) {
	b, err := s.readSync(ctx, dirError, name, deleteOnRead)
	if err != nil {
		return nil, err
	}
	return scriptErrorFromBundle(b), nil
}

// Flush writes every dirty interim record to disk, then evicts records older
// than the retention threshold from memory and from all three directories.
// Blocks until the disk work completes or ctx ends.
func (s *Store) Flush(ctx context.Context) error {
	type dirtySnapshot struct {
		name string
		data *bundle.Bundle
		gen  uint64
	}

	s.mu.Lock()
	snapshots := make([]dirtySnapshot, 0, len(s.interim))
	for name, rec := range s.interim {
		if rec.dirty {
			snapshots = append(snapshots, dirtySnapshot{name: name, data: rec.data.Clone(), gen: rec.gen})
		}
	}
	s.mu.Unlock()

	done := make(chan error, 1)
	job := func(jobCtx context.Context) error {
		var firstErr error
		for _, snap := range snapshots {
			if err := s.writeFile(jobCtx, dirInterim, snap.name, snap.data); err != nil {
				s.logger.Warn("interim flush failed", "config", snap.name, "error", err)
				s.countError("flush")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			s.clearDirty(snap.name, snap.gen)
		}
		s.evictStale()
		done <- firstErr
		return firstErr
	}

	if err := s.pool.Submit(job); err != nil {
		return errors.WrapTransient(err, "Store", "Flush", "submit disk work")
	}

	select {
	case err := <-done:
		if err != nil {
			return errors.WrapTransient(err, "Store", "Flush", "write dirty records")
		}
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Store", "Flush", "wait for disk work")
	}
}

// RemoveConfig purges the in-memory interim entry and all three on-disk
// records for a config.
func (s *Store) RemoveConfig(name string) {
	s.dropInterim(name)

	job := func(context.Context) error {
		for _, sub := range []string{dirInterim, dirFinal, dirError} {
			if err := os.Remove(s.recordPath(sub, name)); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to remove record", "kind", sub, "config", name, "error", err)
				s.countError("remove")
			}
		}
		return nil
	}
	if err := s.pool.Submit(job); err != nil {
		s.logger.Warn("failed to submit record removal", "config", name, "error", err)
	}
}

// DirtyCount returns the number of interim records awaiting flush.
func (s *Store) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.interim {
		if rec.dirty {
			n++
		}
	}
	return n
}

func (s *Store) dropInterim(name string) {
	s.mu.Lock()
	delete(s.interim, name)
	s.updateDirtyGauge()
	s.mu.Unlock()
}

func (s *Store) clearDirty(name string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.interim[name]
	// A newer put since the snapshot keeps the record dirty.
	if ok && rec.gen == gen {
		rec.dirty = false
	}
	s.updateDirtyGauge()
}

// updateDirtyGauge must be called with mu held.
func (s *Store) updateDirtyGauge() {
	if s.metrics == nil {
		return
	}
	n := 0
	for _, rec := range s.interim {
		if rec.dirty {
			n++
		}
	}
	s.metrics.InterimDirty.Set(float64(n))
}

func (s *Store) countError(operation string) {
	if s.metrics != nil {
		s.metrics.StoreErrors.WithLabelValues(operation).Inc()
	}
}

func (s *Store) submitWrite(kind, name string, b *bundle.Bundle) {
	data := b.Clone()
	job := func(ctx context.Context) error {
		if err := s.writeFile(ctx, kind, name, data); err != nil {
			s.logger.Warn("result write failed", "kind", kind, "config", name, "error", err)
			s.countError("write")
			return err
		}
		// Final and error results supersede interim state on disk too.
		if err := os.Remove(s.recordPath(dirInterim, name)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove interim record", "config", name, "error", err)
		}
		if s.metrics != nil {
			s.metrics.StoreWrites.WithLabelValues(kind).Inc()
		}
		return nil
	}
	if err := s.pool.Submit(job); err != nil {
		s.logger.Warn("failed to submit result write", "kind", kind, "config", name, "error", err)
		s.countError("submit")
	}
}

func (s *Store) readSync(ctx context.Context, kind, name string, deleteOnRead bool) (*bundle.Bundle, error) {
	type result struct {
		b   *bundle.Bundle
		err error
	}
	ch := make(chan result, 1)

	job := func(context.Context) error {
		b, err := s.readFile(kind, name)
		if err == nil && deleteOnRead {
			if rmErr := os.Remove(s.recordPath(kind, name)); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Warn("failed to delete record after read", "kind", kind, "config", name, "error", rmErr)
			}
		}
		ch <- result{b: b, err: err}
		return err
	}
	if err := s.pool.Submit(job); err != nil {
		return nil, errors.WrapTransient(err, "Store", "readSync", "submit disk work")
	}

	select {
	case res := <-ch:
		return res.b, res.err
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "Store", "readSync", "wait for disk work")
	}
}

// evictStale removes records older than the retention threshold across all
// three directories and the memory cache.
func (s *Store) evictStale() {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	for name, rec := range s.interim {
		if rec.updatedAt.Before(cutoff) {
			delete(s.interim, name)
		}
	}
	s.updateDirtyGauge()
	s.mu.Unlock()

	for _, sub := range []string{dirInterim, dirFinal, dirError} {
		entries, err := os.ReadDir(filepath.Join(s.dir, sub))
		if err != nil {
			s.logger.Warn("failed to list records for eviction", "kind", sub, "error", err)
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || entry.IsDir() {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(s.dir, sub, entry.Name())); err != nil {
					s.logger.Warn("failed to evict stale record", "kind", sub, "file", entry.Name(), "error", err)
					continue
				}
				if s.metrics != nil {
					s.metrics.StoreEvicted.Inc()
				}
				s.logger.Debug("evicted stale record", "kind", sub, "file", entry.Name())
			}
		}
	}
}

func (s *Store) recordPath(kind, name string) string {
	return filepath.Join(s.dir, kind, name+".json")
}

// writeFile atomically persists one record via a temp file rename. A short
// retry absorbs transient filesystem hiccups.
func (s *Store) writeFile(ctx context.Context, kind, name string, b *bundle.Bundle) error {
	if strings.ContainsRune(name, os.PathSeparator) {
		return errors.WrapInvalid(fmt.Errorf("config name %q contains a path separator", name),
			"Store", "writeFile", "validate record name")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "writeFile", "encode record")
	}

	path := s.recordPath(kind, name)
	return retry.Do(ctx, retry.DiskWrite(), func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	})
}

func (s *Store) readFile(kind, name string) (*bundle.Bundle, error) {
	data, err := os.ReadFile(s.recordPath(kind, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapInvalid(errors.ErrRecordNotFound, "Store", "readFile", kind+" record lookup")
		}
		return nil, errors.WrapTransient(err, "Store", "readFile", "read record")
	}
	b := bundle.New()
	if err := json.Unmarshal(data, b); err != nil {
		return nil, errors.WrapInvalid(err, "Store", "readFile", "decode record")
	}
	return b, nil
}
