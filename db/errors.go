package db

import (
	"errors"
	"fmt"

	"github.com/stevemurr/schemadb/integrity"
	"github.com/stevemurr/schemadb/store"
	"github.com/stevemurr/schemadb/txn"
)

// Error kinds. Every error returned by a DB method is an *Error whose Kind
// is one of these; errors.Is matches both the kind and the cause.
var (
	ErrInvalidSchema     = errors.New("invalid schema")
	ErrNotOpen           = errors.New("database is not open")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrConstraint        = errors.New("constraint violation")
	ErrNotFound          = errors.New("record not found")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrEngine            = errors.New("storage engine error")
)

// Error describes a failed operation.
type Error struct {
	Op         string
	Collection string
	Kind       error
	Err        error
}

func (e *Error) Error() string {
	target := e.Op
	if e.Collection != "" {
		target += " " + e.Collection
	}
	if e.Err == nil {
		return fmt.Sprintf("db: %s: %v", target, e.Kind)
	}
	return fmt.Sprintf("db: %s: %v: %v", target, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind of err, or nil if err did not come from a DB.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// classify maps an engine or runner error to a kind.
func classify(err error) error {
	switch {
	case errors.Is(err, store.ErrConstraint):
		return ErrConstraint
	case errors.Is(err, store.ErrData):
		return ErrInvalidRecord
	case errors.Is(err, txn.ErrNoConnection), errors.Is(err, store.ErrClosed):
		return ErrNotOpen
	case errors.Is(err, store.ErrNotFound):
		return ErrUnknownCollection
	case errors.Is(err, store.ErrCorrupt):
		return ErrIntegrity
	case errors.Is(err, integrity.ErrUnsupportedAlgorithm):
		return ErrInvalidArgument
	}
	return ErrEngine
}
