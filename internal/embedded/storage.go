// Package embedded implements grid storage on a local badger database.
//
// Every store is a key range of one badger instance, addressed by a prefix
// derived from its descriptor. Collection operations run in badger
// transactions and retry on write conflicts, so concurrent callers in the
// process see the same atomicity the relational backend gets from SQL.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/logging"
	"github.com/JakeFAU/crawlgrid/internal/metrics"
	"github.com/JakeFAU/crawlgrid/internal/txn"
)

const (
	backendLabel = "embedded"
	// maxConflictRetries bounds how often a conflicting update is replayed.
	maxConflictRetries = 100
	conflictDelay      = time.Millisecond
	sequenceBandwidth  = 1000
	pageSize           = 256
	clearBatch         = 1000
)

// Storage is the badger-backed grid.Storage.
type Storage struct {
	db      *badger.DB
	seq     *badger.Sequence
	runner  *txn.Runner[*badger.Txn]
	catalog *grid.Catalog
	logger  *zap.Logger

	// mu is held exclusively by Destroy and Close and shared by every
	// collection operation.
	mu     sync.RWMutex
	closed bool

	regMu      sync.Mutex
	registered map[string]grid.StoreDescriptor

	stopSync context.CancelFunc
	syncDone chan struct{}
}

var _ grid.Storage = (*Storage)(nil)

// Open opens (creating if needed) the badger database described by opts.
func Open(opts Options, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.Ephemeral && opts.Dir == "" {
		return nil, fmt.Errorf("%w: grid.embedded.dir is required", grid.ErrConfig)
	}
	bopts := opts.badgerOptions().WithLogger(logging.NewBadgerLogger(logger))
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence(sequenceKey, sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue sequence: %w", err)
	}
	s := &Storage{
		db:         db,
		seq:        seq,
		logger:     logger.Named("embedded"),
		registered: make(map[string]grid.StoreDescriptor),
	}
	s.runner = txn.New("embedded",
		func(context.Context) (*badger.Txn, error) { return s.db.NewTransaction(true), nil },
		func(tx *badger.Txn) error { return tx.Commit() },
		func(tx *badger.Txn) error { tx.Discard(); return nil },
	)
	s.catalog = grid.NewCatalog(s.newMap(grid.StoreDescriptor{
		Name: grid.CatalogStore, Kind: grid.KindMap, ValueType: grid.Raw.TypeName(),
	}))
	if every := opts.syncInterval(); every > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopSync = cancel
		s.syncDone = make(chan struct{})
		go s.syncLoop(ctx, every)
	}
	s.logger.Info("embedded storage ready",
		zap.String("dir", opts.Dir),
		zap.Bool("ephemeral", opts.Ephemeral))
	return s, nil
}

// syncLoop flushes writes to disk on a fixed interval.
func (s *Storage) syncLoop(ctx context.Context, every time.Duration) {
	defer close(s.syncDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.db.Sync(); err != nil {
				s.logger.Warn("sync failed", zap.Error(err))
			}
		}
	}
}

// acquire takes the shared lock for a collection operation.
func (s *Storage) acquire() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, grid.ErrClosed
	}
	return s.mu.RUnlock, nil
}

// view runs fn in the context transaction or a read-only one.
func (s *Storage) view(ctx context.Context, fn func(*badger.Txn) error) error {
	if tx, ok := s.runner.Current(ctx); ok {
		return fn(tx)
	}
	return s.db.View(fn)
}

// update runs fn in the context transaction, or in its own transaction that
// is replayed when it loses a write conflict.
func (s *Storage) update(ctx context.Context, fn func(*badger.Txn) error) error {
	if tx, ok := s.runner.Current(ctx); ok {
		return fn(tx)
	}
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(conflictDelay)
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		metrics.ObserveConflict("badger_update")
		lastErr = err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxConflictRetries, lastErr)
}

// ensure catalogues d once per process. Registrations made inside a
// transaction are not remembered because a rollback would undo them.
func (s *Storage) ensure(ctx context.Context, d grid.StoreDescriptor) error {
	if d.Name == grid.CatalogStore {
		return nil
	}
	s.regMu.Lock()
	known, ok := s.registered[d.Name]
	s.regMu.Unlock()
	if ok {
		return known.Compatible(d)
	}
	_, created, err := s.catalog.Register(ctx, d)
	if err != nil {
		return err
	}
	if created {
		s.logger.Debug("store catalogued", zap.String("store", d.Name), zap.Stringer("kind", d.Kind))
	}
	if _, inTx := s.runner.Current(ctx); !inTx {
		s.regMu.Lock()
		s.registered[d.Name] = d
		s.regMu.Unlock()
	}
	return nil
}

func observe(op string, start time.Time, err *error) {
	metrics.ObserveStoreOp(backendLabel, op, *err, time.Since(start))
}

// OpenMap returns the map called name, creating it on first use.
func (s *Storage) OpenMap(ctx context.Context, name, valueType string) (grid.RawMap, error) {
	m := s.newMap(grid.StoreDescriptor{Name: name, Kind: grid.KindMap, ValueType: valueType})
	if err := s.ensure(ctx, m.desc); err != nil {
		return nil, err
	}
	return m, nil
}

// OpenQueue returns the queue called name, creating it on first use.
func (s *Storage) OpenQueue(ctx context.Context, name, valueType string) (grid.RawQueue, error) {
	q := s.newQueue(grid.StoreDescriptor{Name: name, Kind: grid.KindQueue, ValueType: valueType})
	if err := s.ensure(ctx, q.desc); err != nil {
		return nil, err
	}
	return q, nil
}

// OpenSet returns the set called name, creating it on first use.
func (s *Storage) OpenSet(ctx context.Context, name string) (grid.RawSet, error) {
	st := s.newSet(grid.StoreDescriptor{Name: name, Kind: grid.KindSet})
	if err := s.ensure(ctx, st.desc); err != nil {
		return nil, err
	}
	return st, nil
}

// Reopen returns the store called name as it was catalogued.
func (s *Storage) Reopen(ctx context.Context, name string) (grid.Store, error) {
	d, err := s.catalog.Lookup(ctx, name)
	if err != nil {
		return grid.Store{}, err
	}
	return s.storeFor(d), nil
}

func (s *Storage) storeFor(d grid.StoreDescriptor) grid.Store {
	out := grid.Store{Descriptor: d}
	switch d.Kind {
	case grid.KindMap:
		out.Map = s.newMap(d)
	case grid.KindQueue:
		out.Queue = s.newQueue(d)
	case grid.KindSet:
		out.Set = s.newSet(d)
	}
	return out
}

// StoreNames lists every catalogued store.
func (s *Storage) StoreNames(ctx context.Context) ([]string, error) {
	ds, err := s.catalog.Descriptors(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		names = append(names, d.Name)
	}
	return names, nil
}

// ForEachStore visits every catalogued store in name order.
func (s *Storage) ForEachStore(ctx context.Context, fn func(grid.Store) (bool, error)) (bool, error) {
	ds, err := s.catalog.Descriptors(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range ds {
		more, err := fn(s.storeFor(d))
		if err != nil {
			return false, err
		}
		if !more {
			return false, nil
		}
	}
	return true, nil
}

// SessionAttributes returns the per-session attribute map.
func (s *Storage) SessionAttributes(ctx context.Context) (grid.RawMap, error) {
	return s.OpenMap(ctx, grid.SessionAttributesStore, grid.String.TypeName())
}

// DurableAttributes returns the attribute map kept across sessions.
func (s *Storage) DurableAttributes(ctx context.Context) (grid.RawMap, error) {
	return s.OpenMap(ctx, grid.DurableAttributesStore, grid.String.TypeName())
}

// Clear empties every store and keeps the catalog.
func (s *Storage) Clear(ctx context.Context) error {
	_, err := s.ForEachStore(ctx, func(st grid.Store) (bool, error) {
		return true, st.Collection().Clear(ctx)
	})
	return err
}

// Destroy drops every key in the database, the catalog and the queue
// sequence included.
func (s *Storage) Destroy(ctx context.Context) (err error) {
	defer observe("destroy", time.Now(), &err)
	if _, inTx := s.runner.Current(ctx); inTx {
		return fmt.Errorf("%w: destroy cannot run inside a transaction", grid.ErrStorage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return grid.ErrClosed
	}
	// DropAll removes the sequence key too, so the lease is given back first
	// and a new sequence starts from zero once every queue is gone.
	if err := s.seq.Release(); err != nil {
		return grid.NewStorageError("destroy", "", fmt.Errorf("release sequence: %w", err))
	}
	dropErr := s.db.DropAll()
	seq, err := s.db.GetSequence(sequenceKey, sequenceBandwidth)
	if err != nil {
		return grid.NewStorageError("destroy", "", errors.Join(dropErr, fmt.Errorf("queue sequence: %w", err)))
	}
	s.seq = seq
	if dropErr != nil {
		return grid.NewStorageError("destroy", "", dropErr)
	}
	s.regMu.Lock()
	s.registered = make(map[string]grid.StoreDescriptor)
	s.regMu.Unlock()
	s.logger.Info("storage destroyed")
	return nil
}

// RunInTransaction runs fn in one badger transaction. A write conflict at
// commit is returned as a storage error; fn is not replayed.
func (s *Storage) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	release()
	return s.runner.Run(ctx, fn)
}

// Close stops background syncing and closes the database. Calls after the
// first are no-ops.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stopSync != nil {
		s.stopSync()
		<-s.syncDone
	}
	var errs []error
	if err := s.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release sequence: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close badger: %w", err))
	}
	s.logger.Info("embedded storage closed")
	return errors.Join(errs...)
}
