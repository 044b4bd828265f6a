// Package sqlstore implements grid storage on a relational database through
// the dialect adapter. Every collection is one table; the catalog and the
// coordination state live in tables of the same database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/clock/system"
	"github.com/JakeFAU/crawlgrid/internal/dialect"
	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/metrics"
	"github.com/JakeFAU/crawlgrid/internal/txn"
)

const backendLabel = "relational"

// Storage is the relational grid.Storage.
type Storage struct {
	db      *sql.DB
	closeDB func() error
	adapter *dialect.Adapter
	runner  *txn.Runner[*sql.Tx]
	clock   *system.NanoClock
	catalog *grid.Catalog
	logger  *zap.Logger

	mu     sync.Mutex
	ready  map[string]grid.StoreDescriptor
	closed atomic.Bool
}

var _ grid.Storage = (*Storage)(nil)

// Open connects to the database described by cfg and returns its storage.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Storage, error) {
	name := dialect.FromDriver(cfg.Driver)
	if cfg.Dialect != "" {
		parsed, err := dialect.ParseName(cfg.Dialect)
		if err != nil {
			return nil, err
		}
		name = parsed
	}
	adapter, err := dialect.New(name, dialect.Options{
		TablePrefix: cfg.TablePrefix,
		ColumnTypes: cfg.ColumnTypes,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	db, closeDB, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db, adapter, logger)
	if err != nil {
		_ = closeDB()
		return nil, err
	}
	s.closeDB = closeDB
	return s, nil
}

// New returns storage over an open database. The database is closed by Close.
func New(ctx context.Context, db *sql.DB, adapter *dialect.Adapter, logger *zap.Logger) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database handle is required", grid.ErrConfig)
	}
	if adapter == nil {
		return nil, fmt.Errorf("%w: dialect adapter is required", grid.ErrConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Storage{
		db:      db,
		closeDB: db.Close,
		adapter: adapter,
		clock:   system.NewNanoClock(),
		logger:  logger.Named("sqlstore").With(zap.String("dialect", string(adapter.Name()))),
		ready:   make(map[string]grid.StoreDescriptor),
	}
	s.runner = txn.New("relational",
		func(ctx context.Context) (*sql.Tx, error) { return s.db.BeginTx(ctx, nil) },
		func(tx *sql.Tx) error { return tx.Commit() },
		func(tx *sql.Tx) error { return tx.Rollback() },
	)
	catalogMap := s.newMap(grid.StoreDescriptor{Name: grid.CatalogStore, Kind: grid.KindMap, ValueType: grid.Raw.TypeName()})
	s.catalog = grid.NewCatalog(catalogMap)
	if err := s.ensure(ctx, catalogMap.desc, catalogMap.t); err != nil {
		return nil, err
	}
	s.logger.Info("relational storage ready")
	return s, nil
}

// Adapter returns the dialect adapter in use.
func (s *Storage) Adapter() *dialect.Adapter { return s.adapter }

// q returns the transaction bound to ctx or the pool.
func (s *Storage) q(ctx context.Context) dialect.Querier {
	if tx, ok := s.runner.Current(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Storage) table(d grid.StoreDescriptor) dialect.Table {
	return dialect.Table{Name: s.adapter.TableName(d.Name), Layout: dialect.LayoutFor(d.Kind)}
}

// ensure catalogues d and creates its table once. Tables created inside a
// transaction are not remembered because a rollback would undo them.
func (s *Storage) ensure(ctx context.Context, d grid.StoreDescriptor, t dialect.Table) error {
	if s.closed.Load() {
		return grid.ErrClosed
	}
	s.mu.Lock()
	known, ok := s.ready[d.Name]
	s.mu.Unlock()
	if ok {
		return known.Compatible(d)
	}
	if d.Name != grid.CatalogStore {
		if _, created, err := s.catalog.Register(ctx, d); err != nil {
			return err
		} else if created {
			s.logger.Debug("store catalogued", zap.String("store", d.Name), zap.Stringer("kind", d.Kind))
		}
	}
	if err := s.adapter.CreateTableIfNotExists(ctx, s.q(ctx), t); err != nil {
		return err
	}
	if _, inTx := s.runner.Current(ctx); !inTx {
		s.mu.Lock()
		s.ready[d.Name] = d
		s.mu.Unlock()
	}
	return nil
}

// dropped reports whether table is gone although this process created it.
// It always reports false inside a transaction, where a failed statement may
// have aborted the transaction.
func (s *Storage) dropped(ctx context.Context, table string) bool {
	if _, inTx := s.runner.Current(ctx); inTx || s.closed.Load() {
		return false
	}
	exists, err := s.adapter.TableExists(ctx, s.db, table)
	return err == nil && !exists
}

func (s *Storage) forget(name string) {
	s.mu.Lock()
	delete(s.ready, name)
	s.mu.Unlock()
}

func (s *Storage) forgetAll() {
	s.mu.Lock()
	s.ready = make(map[string]grid.StoreDescriptor)
	s.mu.Unlock()
}

func observe(op string, start time.Time, err *error) {
	metrics.ObserveStoreOp(backendLabel, op, *err, time.Since(start))
}

// OpenMap returns the map called name, creating it on first use.
func (s *Storage) OpenMap(ctx context.Context, name, valueType string) (grid.RawMap, error) {
	m := s.newMap(grid.StoreDescriptor{Name: name, Kind: grid.KindMap, ValueType: valueType})
	if err := s.ensure(ctx, m.desc, m.t); err != nil {
		return nil, err
	}
	return m, nil
}

// OpenQueue returns the queue called name, creating it on first use.
func (s *Storage) OpenQueue(ctx context.Context, name, valueType string) (grid.RawQueue, error) {
	q := s.newQueue(grid.StoreDescriptor{Name: name, Kind: grid.KindQueue, ValueType: valueType})
	if err := s.ensure(ctx, q.desc, q.t); err != nil {
		return nil, err
	}
	return q, nil
}

// OpenSet returns the set called name, creating it on first use.
func (s *Storage) OpenSet(ctx context.Context, name string) (grid.RawSet, error) {
	st := s.newSet(grid.StoreDescriptor{Name: name, Kind: grid.KindSet})
	if err := s.ensure(ctx, st.desc, st.t); err != nil {
		return nil, err
	}
	return st, nil
}

// Reopen returns the store called name as it was catalogued.
func (s *Storage) Reopen(ctx context.Context, name string) (grid.Store, error) {
	if s.closed.Load() {
		return grid.Store{}, grid.ErrClosed
	}
	d, err := s.catalog.Lookup(ctx, name)
	if err != nil {
		return grid.Store{}, err
	}
	return s.storeFor(ctx, d)
}

func (s *Storage) storeFor(ctx context.Context, d grid.StoreDescriptor) (grid.Store, error) {
	out := grid.Store{Descriptor: d}
	var err error
	switch d.Kind {
	case grid.KindMap:
		out.Map, err = s.OpenMap(ctx, d.Name, d.ValueType)
	case grid.KindQueue:
		out.Queue, err = s.OpenQueue(ctx, d.Name, d.ValueType)
	case grid.KindSet:
		out.Set, err = s.OpenSet(ctx, d.Name)
	default:
		err = fmt.Errorf("store %q has invalid kind %s", d.Name, d.Kind)
	}
	return out, err
}

// StoreNames lists every catalogued store.
func (s *Storage) StoreNames(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, grid.ErrClosed
	}
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
	if s.closed.Load() {
		return false, grid.ErrClosed
	}
	ds, err := s.catalog.Descriptors(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range ds {
		st, err := s.storeFor(ctx, d)
		if err != nil {
			return false, err
		}
		more, err := fn(st)
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

// Destroy drops every store table and the catalog, then recreates an empty
// catalog so the storage stays usable.
func (s *Storage) Destroy(ctx context.Context) (err error) {
	defer observe("destroy", time.Now(), &err)
	if s.closed.Load() {
		return grid.ErrClosed
	}
	ds, err := s.catalog.Descriptors(ctx)
	if err != nil {
		return err
	}
	q := s.q(ctx)
	for _, d := range ds {
		if err := s.adapter.DropTableIfExists(ctx, q, s.adapter.TableName(d.Name)); err != nil {
			return err
		}
		s.forget(d.Name)
	}
	catalogTable := s.adapter.TableName(grid.CatalogStore)
	if err := s.adapter.DropTableIfExists(ctx, q, catalogTable); err != nil {
		return err
	}
	s.forgetAll()
	s.logger.Info("storage destroyed", zap.Int("stores", len(ds)))
	return s.ensure(ctx,
		grid.StoreDescriptor{Name: grid.CatalogStore, Kind: grid.KindMap, ValueType: grid.Raw.TypeName()},
		dialect.Table{Name: catalogTable, Layout: dialect.LayoutMap})
}

// RunInTransaction runs fn in one database transaction. Collection calls made
// with the context passed to fn use that transaction.
func (s *Storage) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.closed.Load() {
		return grid.ErrClosed
	}
	return s.runner.Run(ctx, fn)
}

// Close releases the database. Calls after the first are no-ops.
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("closing relational storage")
	if s.closeDB == nil {
		return nil
	}
	if err := s.closeDB(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
