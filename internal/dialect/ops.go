package dialect

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/metrics"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Row is one stored entry returned by Page.
type Row struct {
	Key       string
	Value     []byte
	CreatedAt int64
}

// Cursor marks the last row of a page.
type Cursor struct {
	Key       string
	CreatedAt int64
}

// PageSize is the number of rows Page returns at most.
const PageSize = pageSize

func wrap(op, table string, err error) error {
	return grid.NewStorageError(op, table, err)
}

// inTx runs fn in a transaction. When q already is a transaction fn joins it.
func (a *Adapter) inTx(ctx context.Context, q Querier, fn func(Querier) error) error {
	db, ok := q.(txBeginner)
	if !ok {
		return fn(q)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			a.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// canRecheck reports whether a failed statement on q leaves q usable.
func (a *Adapter) canRecheck(q Querier) bool {
	if !a.tr.abortsTx {
		return true
	}
	_, standalone := q.(txBeginner)
	return standalone
}

func (a *Adapter) pause(ctx context.Context) error {
	t := time.NewTimer(a.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TableExists reports whether table is present in the current schema.
func (a *Adapter) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	query, args := a.existsSQL(table)
	var n int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, wrap("table_exists", table, err)
	}
	return n > 0, nil
}

// CreateTableIfNotExists creates the table for t with its queue index. A
// failure is ignored when the table exists after a short pause, which is the
// outcome of two processes racing to create it.
func (a *Adapter) CreateTableIfNotExists(ctx context.Context, q Querier, t Table) error {
	if !a.tr.createIfNotExists {
		exists, err := a.TableExists(ctx, q, t.Name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}
	stmts := a.createTableSQL(t)
	if _, err := q.ExecContext(ctx, stmts[0]); err != nil {
		return a.recheckTable(ctx, q, t.Name, true, "create_table", err)
	}
	for _, s := range stmts[1:] {
		if _, err := q.ExecContext(ctx, s); err != nil {
			return wrap("create_index", t.Name, err)
		}
	}
	return nil
}

// DropTableIfExists drops table when present.
func (a *Adapter) DropTableIfExists(ctx context.Context, q Querier, table string) error {
	if !a.tr.dropIfExists {
		exists, err := a.TableExists(ctx, q, table)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
	}
	if _, err := q.ExecContext(ctx, a.dropTableSQL(table)); err != nil {
		return a.recheckTable(ctx, q, table, false, "drop_table", err)
	}
	return nil
}

func (a *Adapter) recheckTable(ctx context.Context, q Querier, table string, want bool, op string, cause error) error {
	if !a.canRecheck(q) {
		return wrap(op, table, cause)
	}
	if err := a.pause(ctx); err != nil {
		return wrap(op, table, cause)
	}
	exists, err := a.TableExists(ctx, q, table)
	if err != nil || exists != want {
		return wrap(op, table, cause)
	}
	metrics.ObserveConflict(op)
	a.logger.Debug("table race resolved", zap.String("op", op), zap.String("table", table), zap.Error(cause))
	return nil
}

// IsEmpty reports whether t has no entries.
func (a *Adapter) IsEmpty(ctx context.Context, q Querier, t Table) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, a.isEmptySQL(t)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, wrap("is_empty", t.Name, err)
	}
	return false, nil
}

// Count returns the number of entries in t.
func (a *Adapter) Count(ctx context.Context, q Querier, t Table) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, a.countSQL(t)).Scan(&n); err != nil {
		return 0, wrap("count", t.Name, err)
	}
	return n, nil
}

// Contains reports whether key has an entry in t.
func (a *Adapter) Contains(ctx context.Context, q Querier, t Table, key string) (bool, error) {
	return a.rowExists(ctx, q, t, key, false)
}

func (a *Adapter) rowExists(ctx context.Context, q Querier, t Table, key string, includePlaceholders bool) (bool, error) {
	query, args := a.containsSQL(t, a.TruncateKey(key), includePlaceholders)
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("contains", t.Name, err)
	}
	return true, nil
}

// Get returns the value stored under key. A NULL placeholder reads as absent.
func (a *Adapter) Get(ctx context.Context, q Querier, t Table, key string) ([]byte, bool, error) {
	query, args := a.getSQL(t, a.TruncateKey(key))
	var v sql.NullString
	err := q.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap("get", t.Name, err)
	}
	if !v.Valid {
		return nil, false, nil
	}
	return []byte(v.String), true, nil
}

// Delete removes key and reports whether a row was removed.
func (a *Adapter) Delete(ctx context.Context, q Querier, t Table, key string) (bool, error) {
	query, args := a.deleteSQL(t, a.TruncateKey(key))
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrap("delete", t.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("delete", t.Name, err)
	}
	return n > 0, nil
}

// Clear removes every row of t.
func (a *Adapter) Clear(ctx context.Context, q Querier, t Table) error {
	if _, err := q.ExecContext(ctx, a.clearSQL(t)); err != nil {
		return wrap("clear", t.Name, err)
	}
	return nil
}

// Page returns up to PageSize rows after cur in storage order. The rows are
// fully read before Page returns so no cursor stays open.
func (a *Adapter) Page(ctx context.Context, q Querier, t Table, cur *Cursor) ([]Row, error) {
	query, args := a.pageSQL(t, cur, pageSize)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("page", t.Name, err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	out := make([]Row, 0, pageSize)
	for rows.Next() {
		var (
			r Row
			v sql.NullString
		)
		switch t.Layout {
		case LayoutQueue:
			err = rows.Scan(&r.Key, &v, &r.CreatedAt)
		case LayoutSet:
			err = rows.Scan(&r.Key)
		default:
			err = rows.Scan(&r.Key, &v)
		}
		if err != nil {
			return nil, wrap("page", t.Name, err)
		}
		if v.Valid {
			r.Value = []byte(v.String)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("page", t.Name, err)
	}
	return out, nil
}

// InsertIfAbsent adds key unless it is already stored and reports whether
// this call inserted it. value may be nil to store a NULL placeholder;
// createdAt is only used by queues. When the write fails but the key exists
// after a short pause another writer won the race and false is returned.
func (a *Adapter) InsertIfAbsent(ctx context.Context, q Querier, t Table, key string, value []byte, createdAt int64) (bool, error) {
	key = a.TruncateKey(key)
	query, args := a.insertIfAbsentSQL(t, key, value, createdAt)
	res, err := q.ExecContext(ctx, query, args...)
	if err == nil {
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return false, wrap("insert_if_absent", t.Name, raErr)
		}
		return n > 0, nil
	}
	if a.canRecheck(q) && a.pause(ctx) == nil {
		if exists, cerr := a.rowExists(ctx, q, t, key, true); cerr == nil && exists {
			metrics.ObserveConflict("insert_if_absent")
			a.logger.Debug("insert race resolved", zap.String("table", t.Name), zap.Error(err))
			return false, nil
		}
	}
	return false, wrap("insert_if_absent", t.Name, err)
}

// Upsert stores value under key and reports whether the stored value changed.
// When the write fails but the row already holds value after a short pause
// the call reports no change.
func (a *Adapter) Upsert(ctx context.Context, q Querier, t Table, key string, value []byte) (bool, error) {
	key = a.TruncateKey(key)
	changed, err := a.upsert(ctx, q, t, key, value)
	if err == nil {
		return changed, nil
	}
	if a.canRecheck(q) && a.pause(ctx) == nil {
		if cur, ok, gerr := a.Get(ctx, q, t, key); gerr == nil && ok && bytes.Equal(cur, value) {
			metrics.ObserveConflict("upsert")
			a.logger.Debug("upsert race resolved", zap.String("table", t.Name), zap.Error(err))
			return false, nil
		}
	}
	return false, wrap("upsert", t.Name, err)
}

func (a *Adapter) upsert(ctx context.Context, q Querier, t Table, key string, value []byte) (bool, error) {
	if a.tr.upsert != upsertUpdateThenInsert {
		query, args := a.upsertSQL(t, key, value)
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
	var changed bool
	err := a.inTx(ctx, q, func(q Querier) error {
		query, args := a.updateChangedSQL(t, key, value)
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			changed = true
			return nil
		}
		query, args = a.insertIfAbsentSQL(t, key, value, 0)
		res, err = q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// Poll removes and returns the oldest entry of queue table t. Concurrent
// pollers never receive the same row. An attempt that finds nothing while the
// queue is not empty lost a race and is retried a bounded number of times.
func (a *Adapter) Poll(ctx context.Context, q Querier, t Table) (string, []byte, bool, error) {
	for attempt := 0; attempt < a.polls; attempt++ {
		if attempt > 0 {
			if err := a.pause(ctx); err != nil {
				return "", nil, false, wrap("poll", t.Name, err)
			}
		}
		key, value, found, err := a.pollOnce(ctx, q, t)
		if err != nil {
			return "", nil, false, wrap("poll", t.Name, err)
		}
		if found {
			return key, value, true, nil
		}
		empty, err := a.IsEmpty(ctx, q, t)
		if err != nil {
			return "", nil, false, err
		}
		if empty {
			return "", nil, false, nil
		}
		metrics.ObserveConflict("poll")
	}
	return "", nil, false, nil
}

func (a *Adapter) pollOnce(ctx context.Context, q Querier, t Table) (string, []byte, bool, error) {
	if a.tr.poll != pollLockThenDelete {
		return scanEntry(q.QueryRowContext(ctx, a.pollSQL(t)))
	}
	var (
		key   string
		value []byte
		found bool
	)
	err := a.inTx(ctx, q, func(q Querier) error {
		k, v, ok, err := scanEntry(q.QueryRowContext(ctx, a.lockOldestSQL(t)))
		if err != nil || !ok {
			return err
		}
		query, args := a.deleteSQL(t, k)
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		key, value, found = k, v, n > 0
		return nil
	})
	return key, value, found, err
}

func scanEntry(row *sql.Row) (string, []byte, bool, error) {
	var (
		key string
		v   sql.NullString
	)
	err := row.Scan(&key, &v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	var value []byte
	if v.Valid {
		value = []byte(v.String)
	}
	return key, value, true, nil
}

// LockRow reads the value of key while holding a row lock until the
// enclosing transaction ends. q must be a transaction. found is false when the
// row is missing or holds a NULL placeholder.
func (a *Adapter) LockRow(ctx context.Context, q Querier, t Table, key string) ([]byte, bool, error) {
	query, args := a.lockRowSQL(t, a.TruncateKey(key))
	var v sql.NullString
	err := q.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap("lock_row", t.Name, err)
	}
	if !v.Valid {
		return nil, false, nil
	}
	return []byte(v.String), true, nil
}
