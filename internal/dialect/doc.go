// Package dialect generates and executes the SQL the relational grid backend
// needs on ten database products.
//
// Every store is one table keyed by a string id. The adapter hides the
// differences in quoting, parameter markers, row limiting, insert-if-absent,
// upsert and queue polling. Where a product has no single atomic statement
// for an operation the adapter falls back to a short transaction, and write
// failures that may be a lost race are re-checked after a brief pause before
// they reach the caller.
//
// The re-checks assume writers are idempotent per key: a concurrent writer
// that left the key present, or holding the intended value, is taken to have
// performed the same logical write.
package dialect
