// Package txn binds a transaction to a context so nested calls share it.
//
// A Runner is generic over the transaction handle, which lets the relational
// backend run *sql.Tx and the embedded backend run *badger.Txn through the
// same join-or-begin logic. Only the outermost Run commits or rolls back.
package txn

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// BeginFunc opens a new transaction.
type BeginFunc[T any] func(ctx context.Context) (T, error)

// EndFunc commits or rolls back a transaction.
type EndFunc[T any] func(tx T) error

// Runner runs functions inside a context-bound transaction.
type Runner[T any] struct {
	name     string
	begin    BeginFunc[T]
	commit   EndFunc[T]
	rollback EndFunc[T]
}

// ctxKey is unique per Runner, so two storages in one process never see each
// other's transactions.
type ctxKey[T any] struct {
	r *Runner[T]
}

// New returns a Runner. name labels errors raised by the runner itself.
func New[T any](name string, begin BeginFunc[T], commit, rollback EndFunc[T]) *Runner[T] {
	return &Runner[T]{name: name, begin: begin, commit: commit, rollback: rollback}
}

// Current returns the transaction bound to ctx by this runner, if any.
func (r *Runner[T]) Current(ctx context.Context) (T, bool) {
	tx, ok := ctx.Value(ctxKey[T]{r}).(T)
	return tx, ok
}

// Bind returns a context carrying tx as this runner's transaction. Run does
// this itself; Bind is for callers that manage the transaction lifetime.
func (r *Runner[T]) Bind(ctx context.Context, tx T) context.Context {
	return context.WithValue(ctx, ctxKey[T]{r}, tx)
}

// Run calls fn with a context bound to a transaction. When ctx already
// carries one, fn joins it and its error is returned untouched. Otherwise a
// transaction is begun, committed when fn succeeds, and rolled back when fn
// fails or panics; the error is returned as a *grid.StorageError.
func (r *Runner[T]) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := r.Current(ctx); ok {
		return fn(ctx)
	}
	tx, err := r.begin(ctx)
	if err != nil {
		return grid.NewStorageError("begin", r.name, err)
	}
	done := false
	defer func() {
		if done {
			return
		}
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in transaction: %v", p)
		}
		if rbErr := r.rollback(tx); rbErr != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		err = grid.NewStorageError("transaction", r.name, err)
	}()

	if err = fn(r.Bind(ctx, tx)); err != nil {
		return err
	}
	done = true
	if err = r.commit(tx); err != nil {
		return grid.NewStorageError("commit", r.name, err)
	}
	return nil
}
