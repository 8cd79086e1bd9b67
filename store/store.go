// Package store defines the storage engine boundary and its implementations.
//
// An engine hosts named, versioned databases. Each database holds named
// collections of records, each record addressed by a key that is unique
// within its collection. Every read and write happens inside a transaction
// scoped to one collection. Structural changes (creating collections and
// indexes) happen only inside the upgrade callback that runs when a database
// is opened at a higher version than the one stored.
//
// Engines:
//
//	"memory"      - in-process, lost on exit
//	"json"        - one directory per database, one JSON file per collection
//	"sqlite"      - one SQLite file per database (cgo driver)
//	"sqlite-pure" - same layout, pure-Go driver
package store

import (
	"context"
	"errors"

	"github.com/stevemurr/schemadb/schema"
)

// Record is a structured value stored in a collection.
type Record = map[string]any

// Key identifies a record within a collection. Valid keys are numbers
// (normalized to float64), strings, and arrays of valid keys ([]any).
type Key = any

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

var (
	// ErrNotFound reports a missing collection or index.
	ErrNotFound = errors.New("store: not found")
	// ErrConstraint reports a key or unique-index collision, or an attempt to
	// create a collection or index that already exists.
	ErrConstraint = errors.New("store: constraint violation")
	// ErrData reports a record or key the engine cannot store.
	ErrData = errors.New("store: invalid data")
	// ErrReadOnly reports a write inside a read-only transaction.
	ErrReadOnly = errors.New("store: transaction is read-only")
	// ErrTxInactive reports use of a finished transaction.
	ErrTxInactive = errors.New("store: transaction is not active")
	// ErrAborted reports a transaction that was aborted by the caller.
	ErrAborted = errors.New("store: transaction aborted")
	// ErrVersion reports an open request below the stored version.
	ErrVersion = errors.New("store: requested version is lower than stored version")
	// ErrClosed reports use of a closed connection.
	ErrClosed = errors.New("store: connection closed")
	// ErrCorrupt reports stored bytes that fail their checksum or cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt value")
)

// UpgradeFunc is called when a database is opened at a version higher than
// the stored one. All changes made through the Upgrader are applied
// atomically; returning an error discards them and fails the open.
type UpgradeFunc func(ctx context.Context, up Upgrader, oldVersion, newVersion int) error

// Backend is a storage engine hosting named databases.
type Backend interface {
	// Open connects to the named database at the given version, creating it
	// if needed and running upgrade first when version exceeds the stored one.
	Open(ctx context.Context, name string, version int, upgrade UpgradeFunc) (Conn, error)

	// Delete removes the named database. If other connections are open,
	// onBlocked is called once and Delete waits for them to close or for ctx
	// to end. Deleting a database that does not exist succeeds.
	Delete(ctx context.Context, name string, onBlocked func()) error
}

// Conn is an open connection to one database.
type Conn interface {
	Name() string
	Version() int
	// CollectionNames returns the physical collections in sorted order.
	CollectionNames() []string
	// Collection returns the physical structure of one collection.
	Collection(name string) (CollectionInfo, bool)
	// Begin starts a transaction scoped to one collection. It fails with
	// ErrNotFound when the collection does not exist.
	Begin(ctx context.Context, collection string, mode Mode) (Tx, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Tx is a transaction over a single collection.
//
// A failed request (constraint violation, invalid data) aborts the
// transaction: Err then returns that failure and Commit returns it too.
type Tx interface {
	Collection() Collection
	// Commit makes the transaction's writes durable. It returns nil only once
	// the commit has fully completed.
	Commit() error
	// Abort discards the transaction's writes. Aborting a finished
	// transaction is a no-op.
	Abort() error
	// Err returns the error that aborted the transaction, or nil.
	Err() error
}

// Collection is the transaction-scoped view of one collection.
type Collection interface {
	Info() CollectionInfo
	// Get returns the record stored under key, or nil if there is none.
	Get(key Key) (Record, error)
	// Add inserts a new record and fails with ErrConstraint if the key exists.
	Add(rec Record, opts WriteOptions) (Key, error)
	// Put inserts or replaces a record.
	Put(rec Record, opts WriteOptions) (Key, error)
	// Delete removes the record stored under key, if any.
	Delete(key Key) error
	// GetAll returns every record in key order.
	GetAll() ([]Record, error)
	// GetByIndex returns, in key order, the records whose index entry equals value.
	GetByIndex(index string, value Key) ([]Record, error)
	Count() (int, error)
}

// WriteOptions tune a single Add or Put.
type WriteOptions struct {
	// Key is the out-of-line key. It must be nil for collections with a key path.
	Key Key

	// Finalize, if set, receives the record after its key has been resolved
	// and injected, and returns the record to store.
	Finalize func(Record) (Record, error)
}

// CollectionInfo is the physical structure of a collection.
type CollectionInfo struct {
	Name          string
	KeyPath       schema.KeyPath
	AutoIncrement bool
	Indexes       []schema.IndexSpec
}

// Index returns the named index.
func (c CollectionInfo) Index(name string) (schema.IndexSpec, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return schema.IndexSpec{}, false
}

// IndexNames returns the index names in creation order.
func (c CollectionInfo) IndexNames() []string {
	names := make([]string, 0, len(c.Indexes))
	for _, idx := range c.Indexes {
		names = append(names, idx.Name)
	}
	return names
}

func (c CollectionInfo) clone() CollectionInfo {
	out := c
	out.Indexes = append([]schema.IndexSpec(nil), c.Indexes...)
	return out
}

// Upgrader edits the physical structure during an upgrade.
type Upgrader interface {
	CollectionNames() []string
	Collection(name string) (CollectionEditor, bool)
	// CreateCollection fails with ErrConstraint if the collection exists.
	CreateCollection(name string, keyPath schema.KeyPath, autoIncrement bool) (CollectionEditor, error)
}

// CollectionEditor edits one collection during an upgrade.
type CollectionEditor interface {
	Info() CollectionInfo
	// CreateIndex fails with ErrConstraint if the index exists. Existing
	// records are indexed immediately.
	CreateIndex(spec schema.IndexSpec) error
}
