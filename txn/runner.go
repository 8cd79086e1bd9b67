// Package txn runs operations inside single-collection transactions.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/stevemurr/schemadb/store"
)

var (
	// ErrNoConnection is returned when Run is called without an open connection.
	ErrNoConnection = errors.New("txn: no open connection")
	// ErrPanic wraps a panic raised by an operation.
	ErrPanic = errors.New("txn: operation panicked")
)

// Op is the work done inside a transaction.
type Op[T any] func(c store.Collection) (T, error)

// Run begins a transaction on collection, runs op and commits.
//
// The result is returned only after the commit completes. If the
// transaction failed at any point its error is returned and op's result is
// discarded, even when op itself succeeded. If op fails the transaction is
// aborted and op's error is returned. Exactly one of (result, nil) or
// (zero, error) is returned.
func Run[T any](ctx context.Context, conn store.Conn, collection string, mode store.Mode, op Op[T]) (T, error) {
	var zero T
	if conn == nil {
		return zero, ErrNoConnection
	}

	tx, err := conn.Begin(ctx, collection, mode)
	if err != nil {
		return zero, err
	}

	res, opErr := call(tx, op)
	if txErr := tx.Err(); txErr != nil {
		return zero, txErr
	}
	if opErr != nil {
		tx.Abort()
		return zero, opErr
	}
	if err := ctx.Err(); err != nil {
		tx.Abort()
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	return res, nil
}

func call[T any](tx store.Tx, op Op[T]) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return op(tx.Collection())
}
