// Package db is a schema-driven access layer over a storage engine.
//
// A DB is built from a name and a declared schema. Open validates the
// schema, connects to the named database at the declared version and, when
// the stored version is lower, creates the collections and indexes that are
// missing. Record operations check the collection against the schema, run
// inside a single-collection transaction and can stamp or verify a content
// digest on each record.
//
// Every method reports failure as an *Error and never panics. Diagnostic
// events go to the configured sink, which is flushed once per call.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stevemurr/schemadb/diag"
	"github.com/stevemurr/schemadb/migrate"
	"github.com/stevemurr/schemadb/schema"
	"github.com/stevemurr/schemadb/store"
)

type (
	Record = store.Record
	Key    = store.Key
)

// State is the connection state of a DB.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// Options configure New.
type Options struct {
	// Debug keeps debug-level events.
	Debug bool

	// Sink receives diagnostics. When nil one is built from the fields below.
	Sink            diag.Sink
	DiagnosticsMode diag.Mode
	APIEndpoint     string
	DiagnosticsFile string

	// Backend is the storage engine. Defaults to an in-memory engine.
	Backend store.Backend
}

// DB is one logical database. It is safe for concurrent use.
type DB struct {
	name    string
	schema  schema.Schema
	backend store.Backend
	sink    diag.Sink

	// mu is held for writing by Open, Close and DeleteDatabase and for
	// reading by record operations for their whole duration.
	mu        sync.RWMutex
	state     State
	conn      store.Conn
	migration *migrate.Report
}

// New builds a DB. The schema is copied and checked only when Open runs.
func New(name string, s schema.Schema, opts Options) (*DB, error) {
	if name == "" {
		return nil, &Error{Op: "new", Kind: ErrInvalidArgument, Err: errors.New("database name is empty")}
	}
	sink := opts.Sink
	if sink == nil {
		built, err := diag.New(diag.Options{
			Mode:        opts.DiagnosticsMode,
			APIEndpoint: opts.APIEndpoint,
			File:        opts.DiagnosticsFile,
		})
		if err != nil {
			return nil, &Error{Op: "new", Kind: ErrInvalidArgument, Err: err}
		}
		sink = built
	}
	backend := opts.Backend
	if backend == nil {
		backend = store.NewMemoryStore()
	}
	return &DB{
		name:    name,
		schema:  s.Clone(),
		backend: backend,
		sink:    diag.Filter(sink, opts.Debug),
	}, nil
}

func (d *DB) Name() string { return d.name }

// Schema returns a copy of the declared schema.
func (d *DB) Schema() schema.Schema { return d.schema.Clone() }

func (d *DB) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Migration returns the report of the upgrade run by the last successful
// Open, if one ran.
func (d *DB) Migration() (migrate.Report, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.migration == nil {
		return migrate.Report{}, false
	}
	return *d.migration, true
}

// Open validates the schema and connects, upgrading the stored structure
// when the declared version is higher. Opening an open DB is a no-op.
func (d *DB) Open(ctx context.Context) (err error) {
	op := d.begin("open", "")
	defer op.end(&err)

	if verr := d.schema.Validate(); verr != nil {
		for _, v := range schema.Violations(verr) {
			op.event(slog.LevelError, "schema violation", "field", v.Field, "problem", v.Problem)
		}
		return op.fail(ErrInvalidSchema, verr)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Open {
		op.event(slog.LevelDebug, "already open")
		return nil
	}

	var report *migrate.Report
	upgrade := migrate.Upgrade(d.schema, func(oldVersion, newVersion int, r migrate.Report) {
		report = &r
		op.event(slog.LevelInfo, "upgraded",
			"from", oldVersion, "to", newVersion,
			"created_collections", r.CreatedCollections,
			"created_indexes", r.CreatedIndexes)
		for _, drift := range r.Drift {
			op.event(slog.LevelWarn, "declaration differs from stored structure; keeping stored", "drift", drift.String())
		}
	})

	conn, oerr := d.backend.Open(ctx, d.name, d.schema.Version, upgrade)
	if oerr != nil {
		if errors.Is(oerr, store.ErrVersion) {
			return op.fail(ErrInvalidSchema, oerr)
		}
		return op.fail(ErrEngine, oerr)
	}
	d.conn = conn
	d.state = Open
	d.migration = report
	op.event(slog.LevelInfo, "opened", "version", conn.Version())
	return nil
}

// Close releases the connection without deleting anything. Closing a
// closed DB is a no-op.
func (d *DB) Close() (err error) {
	op := d.begin("close", "")
	defer op.end(&err)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked(op)
}

func (d *DB) closeLocked(op *scope) error {
	if d.state == Closed {
		return nil
	}
	cerr := d.conn.Close()
	d.conn = nil
	d.state = Closed
	if cerr != nil {
		return op.fail(ErrEngine, cerr)
	}
	op.event(slog.LevelInfo, "closed")
	return nil
}

// DeleteDatabase closes the connection, then deletes the stored database.
// While other connections keep it open a warning is recorded and the call
// keeps waiting until they close or ctx ends.
func (d *DB) DeleteDatabase(ctx context.Context) (err error) {
	op := d.begin("deleteDatabase", "")
	defer op.end(&err)

	d.mu.Lock()
	cerr := d.closeLocked(op)
	d.mu.Unlock()
	if cerr != nil {
		return cerr
	}

	derr := d.backend.Delete(ctx, d.name, func() {
		op.event(slog.LevelWarn, "delete blocked by open connections; waiting")
	})
	if derr != nil {
		return op.fail(ErrEngine, fmt.Errorf("delete %q: %w", d.name, derr))
	}
	op.event(slog.LevelInfo, "deleted")
	return nil
}
