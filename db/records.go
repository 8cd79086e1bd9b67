package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stevemurr/schemadb/integrity"
	"github.com/stevemurr/schemadb/schema"
	"github.com/stevemurr/schemadb/store"
	"github.com/stevemurr/schemadb/txn"
)

type writeConfig struct {
	key    Key
	hasKey bool
	alg    integrity.Algorithm
	hash   bool
}

// WriteOption tunes Add and Put.
type WriteOption func(*writeConfig)

// WithKey supplies the key of a collection without a key path.
func WithKey(k Key) WriteOption {
	return func(c *writeConfig) {
		c.key = k
		c.hasKey = true
	}
}

// WithHash stamps the record with a digest computed under alg.
func WithHash(alg integrity.Algorithm) WriteOption {
	return func(c *writeConfig) {
		c.alg = alg
		c.hash = true
	}
}

type readConfig struct {
	alg    integrity.Algorithm
	verify bool
}

// ReadOption tunes Get.
type ReadOption func(*readConfig)

// WithVerify checks the record's digest under alg before returning it. A
// record whose digest does not match is not returned.
func WithVerify(alg integrity.Algorithm) ReadOption {
	return func(c *readConfig) {
		c.alg = alg
		c.verify = true
	}
}

// target checks that the collection is declared and the DB is open. The
// caller holds d.mu for reading.
func (d *DB) target(op *scope) (schema.Collection, store.Conn, error) {
	decl, ok := d.schema.Lookup(op.collection)
	if !ok {
		return schema.Collection{}, nil, op.fail(ErrUnknownCollection, fmt.Errorf("%q is not declared in the schema", op.collection))
	}
	if d.state != Open {
		return schema.Collection{}, nil, op.fail(ErrNotOpen, nil)
	}
	return decl, d.conn, nil
}

func (op *scope) key(k Key) (Key, error) {
	norm, err := store.NormalizeKey(k)
	if err != nil {
		return nil, op.fail(ErrInvalidArgument, err)
	}
	return norm, nil
}

func (op *scope) algorithm(alg integrity.Algorithm) (integrity.Algorithm, error) {
	parsed, err := integrity.ParseAlgorithm(string(alg))
	if err != nil {
		return "", op.fail(ErrInvalidArgument, err)
	}
	return parsed, nil
}

// Add inserts a new record and returns its key. It fails with
// ErrConstraint when the key is already taken.
func (d *DB) Add(ctx context.Context, collection string, rec Record, opts ...WriteOption) (key Key, err error) {
	op := d.begin("add", collection)
	defer op.end(&err)
	return d.write(ctx, op, rec, true, opts)
}

// Put inserts or replaces a record and returns its key.
func (d *DB) Put(ctx context.Context, collection string, rec Record, opts ...WriteOption) (key Key, err error) {
	op := d.begin("put", collection)
	defer op.end(&err)
	return d.write(ctx, op, rec, false, opts)
}

// AddWithHash is Add with the record stamped under alg.
func (d *DB) AddWithHash(ctx context.Context, collection string, rec Record, alg integrity.Algorithm, opts ...WriteOption) (key Key, err error) {
	op := d.begin("addWithHash", collection)
	defer op.end(&err)
	return d.write(ctx, op, rec, true, append(opts, WithHash(alg)))
}

// PutWithHash is Put with the record stamped under alg.
func (d *DB) PutWithHash(ctx context.Context, collection string, rec Record, alg integrity.Algorithm, opts ...WriteOption) (key Key, err error) {
	op := d.begin("putWithHash", collection)
	defer op.end(&err)
	return d.write(ctx, op, rec, false, append(opts, WithHash(alg)))
}

func (d *DB) write(ctx context.Context, op *scope, rec Record, noOverwrite bool, opts []WriteOption) (Key, error) {
	var cfg writeConfig
	for _, o := range opts {
		o(&cfg)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	decl, conn, err := d.target(op)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, op.fail(ErrInvalidRecord, errors.New("record is nil"))
	}

	wo := store.WriteOptions{}
	if cfg.hasKey {
		if wo.Key, err = op.key(cfg.key); err != nil {
			return nil, err
		}
	}
	var alg integrity.Algorithm
	if cfg.hash {
		if alg, err = op.algorithm(cfg.alg); err != nil {
			return nil, err
		}
	}
	if decl.Document != nil || cfg.hash {
		// Runs once the key is resolved, so an injected key is both
		// validated and covered by the digest.
		wo.Finalize = func(r Record) (Record, error) {
			if decl.Document != nil {
				if err := schema.ValidateDocument(decl.Document, integrity.Strip(r)); err != nil {
					return nil, &Error{Op: op.op, Collection: op.collection, Kind: ErrInvalidRecord, Err: err}
				}
			}
			if cfg.hash {
				return integrity.Stamp(r, alg)
			}
			return r, nil
		}
	}

	key, err := txn.Run(ctx, conn, op.collection, store.ReadWrite, func(c store.Collection) (Key, error) {
		if noOverwrite {
			return c.Add(rec, wo)
		}
		return c.Put(rec, wo)
	})
	if err != nil {
		return nil, op.fail(classify(err), err)
	}
	if cfg.hash {
		op.event(slog.LevelInfo, "stored", "key", key, "algorithm", string(alg))
	} else {
		op.event(slog.LevelInfo, "stored", "key", key)
	}
	return key, nil
}

// Get returns the record stored under key, or nil if there is none.
func (d *DB) Get(ctx context.Context, collection string, key Key, opts ...ReadOption) (rec Record, err error) {
	op := d.begin("get", collection)
	defer op.end(&err)

	var cfg readConfig
	for _, o := range opts {
		o(&cfg)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	_, conn, err := d.target(op)
	if err != nil {
		return nil, err
	}
	k, err := op.key(key)
	if err != nil {
		return nil, err
	}
	var alg integrity.Algorithm
	if cfg.verify {
		if alg, err = op.algorithm(cfg.alg); err != nil {
			return nil, err
		}
	}

	got, err := txn.Run(ctx, conn, collection, store.ReadOnly, func(c store.Collection) (Record, error) {
		return c.Get(k)
	})
	if err != nil {
		return nil, op.fail(classify(err), err)
	}
	if got == nil {
		op.event(slog.LevelDebug, "not found", "key", k)
		return nil, nil
	}
	if cfg.verify {
		ok, err := op.verify(got, alg, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, op.fail(ErrIntegrity, fmt.Errorf("key %v: stored hash does not match %s digest", k, alg))
		}
	}
	return got, nil
}

// ValidateWithHash reports whether the record under key carries a digest
// matching alg. A record without a digest is not checked and reports true.
// A digest made with another algorithm reports false like tampered data.
func (d *DB) ValidateWithHash(ctx context.Context, collection string, key Key, alg integrity.Algorithm) (ok bool, err error) {
	op := d.begin("validateWithHash", collection)
	defer op.end(&err)

	d.mu.RLock()
	defer d.mu.RUnlock()
	_, conn, err := d.target(op)
	if err != nil {
		return false, err
	}
	k, err := op.key(key)
	if err != nil {
		return false, err
	}
	if alg, err = op.algorithm(alg); err != nil {
		return false, err
	}

	got, err := txn.Run(ctx, conn, collection, store.ReadOnly, func(c store.Collection) (Record, error) {
		return c.Get(k)
	})
	if err != nil {
		return false, op.fail(classify(err), err)
	}
	if got == nil {
		return false, op.fail(ErrNotFound, fmt.Errorf("key %v", k))
	}
	return op.verify(got, alg, k)
}

func (op *scope) verify(rec Record, alg integrity.Algorithm, key Key) (bool, error) {
	res, err := integrity.Verify(rec, alg)
	if err != nil {
		return false, op.fail(ErrInvalidArgument, err)
	}
	switch res {
	case integrity.Unstamped:
		op.event(slog.LevelWarn, "record has no hash; not verified", "key", key)
		return true, nil
	case integrity.Mismatch:
		op.event(slog.LevelWarn, "hash mismatch", "key", key, "algorithm", string(alg))
		return false, nil
	}
	op.event(slog.LevelDebug, "hash verified", "key", key, "algorithm", string(alg))
	return true, nil
}

// Delete removes the record stored under key. Deleting a missing record
// succeeds.
func (d *DB) Delete(ctx context.Context, collection string, key Key) (err error) {
	op := d.begin("delete", collection)
	defer op.end(&err)

	d.mu.RLock()
	defer d.mu.RUnlock()
	_, conn, err := d.target(op)
	if err != nil {
		return err
	}
	k, err := op.key(key)
	if err != nil {
		return err
	}
	if _, err := txn.Run(ctx, conn, collection, store.ReadWrite, func(c store.Collection) (struct{}, error) {
		return struct{}{}, c.Delete(k)
	}); err != nil {
		return op.fail(classify(err), err)
	}
	op.event(slog.LevelInfo, "deleted", "key", k)
	return nil
}

// GetAll returns every record of the collection in key order.
func (d *DB) GetAll(ctx context.Context, collection string) (recs []Record, err error) {
	op := d.begin("getAll", collection)
	defer op.end(&err)

	d.mu.RLock()
	defer d.mu.RUnlock()
	_, conn, err := d.target(op)
	if err != nil {
		return nil, err
	}
	recs, err = txn.Run(ctx, conn, collection, store.ReadOnly, func(c store.Collection) ([]Record, error) {
		return c.GetAll()
	})
	if err != nil {
		return nil, op.fail(classify(err), err)
	}
	op.event(slog.LevelDebug, "listed", "count", len(recs))
	return recs, nil
}

// GetByIndex returns, in key order, the records whose entry in a declared
// index equals value.
func (d *DB) GetByIndex(ctx context.Context, collection, index string, value Key) (recs []Record, err error) {
	op := d.begin("getByIndex", collection)
	defer op.end(&err)

	d.mu.RLock()
	defer d.mu.RUnlock()
	decl, conn, err := d.target(op)
	if err != nil {
		return nil, err
	}
	declared := false
	for _, idx := range decl.Indexes {
		if idx.Name == index {
			declared = true
			break
		}
	}
	if !declared {
		return nil, op.fail(ErrInvalidArgument, fmt.Errorf("index %q is not declared on %q", index, collection))
	}
	v, err := op.key(value)
	if err != nil {
		return nil, err
	}
	recs, err = txn.Run(ctx, conn, collection, store.ReadOnly, func(c store.Collection) ([]Record, error) {
		return c.GetByIndex(index, v)
	})
	if err != nil {
		return nil, op.fail(classify(err), err)
	}
	op.event(slog.LevelDebug, "index lookup", "index", index, "count", len(recs))
	return recs, nil
}

// Count returns the number of records in the collection.
func (d *DB) Count(ctx context.Context, collection string) (n int, err error) {
	op := d.begin("count", collection)
	defer op.end(&err)

	d.mu.RLock()
	defer d.mu.RUnlock()
	_, conn, err := d.target(op)
	if err != nil {
		return 0, err
	}
	n, err = txn.Run(ctx, conn, collection, store.ReadOnly, func(c store.Collection) (int, error) {
		return c.Count()
	})
	if err != nil {
		return 0, op.fail(classify(err), err)
	}
	return n, nil
}
