package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/stevemurr/schemadb/schema"
)

// MemoryStore keeps every database in memory. Data is lost on restart.
// Safe for concurrent use.
type MemoryStore struct {
	*engine
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{engine: newEngine(nil)}
}

// persister writes engine state somewhere durable. A nil persister keeps
// everything in memory.
type persister interface {
	// load returns the stored database, or nil if there is none.
	load(name string) (*memDatabase, error)
	// saveCollection durably replaces one collection's records.
	saveCollection(name string, c *memCollection, current float64, records map[string]memEntry) error
	// saveStructure durably replaces the version and collection layout.
	saveStructure(name string, version int, collections map[string]*memCollection) error
	remove(name string) error
}

// engine is the in-memory engine shared by MemoryStore and JsonFileStore.
type engine struct {
	mu      sync.Mutex
	dbs     map[string]*memDatabase
	reg     *registry
	persist persister
}

func newEngine(p persister) *engine {
	return &engine{
		dbs:     make(map[string]*memDatabase),
		reg:     newRegistry(),
		persist: p,
	}
}

type memDatabase struct {
	// mu is held for writing during an upgrade and for reading by every
	// transaction.
	mu          sync.RWMutex
	version     int
	collections map[string]*memCollection
}

type memCollection struct {
	// mu is held for reading by read-only transactions and for writing by
	// read-write transactions.
	mu      sync.RWMutex
	info    CollectionInfo
	current float64
	records map[string]memEntry
}

type memEntry struct {
	key   Key
	value Record
}

func newMemCollection(info CollectionInfo) *memCollection {
	return &memCollection{info: info, current: 1, records: make(map[string]memEntry)}
}

func (e *engine) database(name string) (*memDatabase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[name]; ok {
		return db, nil
	}
	var db *memDatabase
	if e.persist != nil {
		loaded, err := e.persist.load(name)
		if err != nil {
			return nil, err
		}
		db = loaded
	}
	if db == nil {
		db = &memDatabase{collections: make(map[string]*memCollection)}
	}
	e.dbs[name] = db
	return db, nil
}

// Open implements Backend.
func (e *engine) Open(ctx context.Context, name string, version int, upgrade UpgradeFunc) (Conn, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: version must be positive, got %d", ErrData, version)
	}
	if err := e.reg.acquire(ctx, name); err != nil {
		return nil, err
	}

	db, err := e.database(name)
	if err != nil {
		e.reg.release(name)
		return nil, fmt.Errorf("load database %q: %w", name, err)
	}

	if err := e.upgradeIfNeeded(ctx, name, db, version, upgrade); err != nil {
		e.reg.release(name)
		return nil, err
	}
	return &memConn{eng: e, name: name, db: db}, nil
}

func (e *engine) upgradeIfNeeded(ctx context.Context, name string, db *memDatabase, version int, upgrade UpgradeFunc) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if version < db.version {
		return fmt.Errorf("%w: open %q at %d, stored %d", ErrVersion, name, version, db.version)
	}
	if version == db.version {
		return nil
	}

	up := &memUpgrader{collections: make(map[string]*memCollection, len(db.collections))}
	for n, c := range db.collections {
		up.collections[n] = &memCollection{info: c.info.clone(), current: c.current, records: c.records}
	}
	if upgrade != nil {
		if err := upgrade(ctx, up, db.version, version); err != nil {
			return fmt.Errorf("upgrade %q from %d to %d: %w", name, db.version, version, err)
		}
	}
	if e.persist != nil {
		if err := e.persist.saveStructure(name, version, up.collections); err != nil {
			return fmt.Errorf("upgrade %q: persist: %w", name, err)
		}
	}
	db.collections = up.collections
	db.version = version
	return nil
}

// Delete implements Backend.
func (e *engine) Delete(ctx context.Context, name string, onBlocked func()) error {
	done, err := e.reg.beginDelete(ctx, name, onBlocked)
	if err != nil {
		return err
	}
	defer done()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.persist != nil {
		if err := e.persist.remove(name); err != nil {
			return fmt.Errorf("delete database %q: %w", name, err)
		}
	}
	delete(e.dbs, name)
	return nil
}

type memConn struct {
	eng    *engine
	name   string
	db     *memDatabase
	mu     sync.Mutex
	closed bool
}

func (c *memConn) Name() string { return c.name }

func (c *memConn) Version() int {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	return c.db.version
}

func (c *memConn) CollectionNames() []string {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	names := slices.Collect(maps.Keys(c.db.collections))
	sort.Strings(names)
	return names
}

func (c *memConn) Collection(name string) (CollectionInfo, bool) {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	mc, ok := c.db.collections[name]
	if !ok {
		return CollectionInfo{}, false
	}
	return mc.info.clone(), true
}

func (c *memConn) Begin(ctx context.Context, collection string, mode Mode) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	c.db.mu.RLock()
	mc, ok := c.db.collections[collection]
	if !ok {
		c.db.mu.RUnlock()
		return nil, fmt.Errorf("%w: collection %q", ErrNotFound, collection)
	}

	tx := &memTx{conn: c, coll: mc, mode: mode}
	if mode == ReadWrite {
		mc.mu.Lock()
		tx.records = maps.Clone(mc.records)
		tx.gen = generator{current: mc.current}
		tx.unlock = func() {
			mc.mu.Unlock()
			c.db.mu.RUnlock()
		}
	} else {
		mc.mu.RLock()
		tx.records = mc.records
		tx.unlock = func() {
			mc.mu.RUnlock()
			c.db.mu.RUnlock()
		}
	}
	tx.info = mc.info.clone()
	return tx, nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.eng.reg.release(c.name)
	return nil
}

// memTx is not safe for concurrent use; one goroutine drives a transaction.
type memTx struct {
	conn    *memConn
	coll    *memCollection
	info    CollectionInfo
	mode    Mode
	records map[string]memEntry
	gen     generator
	dirty   bool
	done    bool
	err     error
	unlock  func()
}

func (t *memTx) Collection() Collection { return memView{t} }

func (t *memTx) Err() error { return t.err }

func (t *memTx) finish() {
	if t.done {
		return
	}
	t.done = true
	t.unlock()
}

// fail aborts the transaction because a request failed.
func (t *memTx) fail(err error) error {
	t.err = err
	t.finish()
	return err
}

func (t *memTx) active() error {
	if !t.done {
		return nil
	}
	if t.err != nil {
		return fmt.Errorf("%w: %w", ErrTxInactive, t.err)
	}
	return ErrTxInactive
}

func (t *memTx) Commit() error {
	if t.done {
		if t.err != nil {
			return t.err
		}
		return ErrTxInactive
	}
	defer t.finish()

	if t.mode == ReadWrite && (t.dirty || t.gen.dirty) {
		if p := t.conn.eng.persist; p != nil {
			if err := p.saveCollection(t.conn.name, t.coll, t.gen.current, t.records); err != nil {
				t.err = fmt.Errorf("commit %q: %w", t.info.Name, err)
				return t.err
			}
		}
		t.coll.records = t.records
		t.coll.current = t.gen.current
	}
	return nil
}

func (t *memTx) Abort() error {
	if t.done {
		return nil
	}
	t.err = ErrAborted
	t.finish()
	return nil
}

type memView struct {
	tx *memTx
}

func (v memView) Info() CollectionInfo { return v.tx.info.clone() }

func (v memView) Get(key Key) (Record, error) {
	if err := v.tx.active(); err != nil {
		return nil, err
	}
	enc, err := encodeLookupKey(key)
	if err != nil {
		return nil, err
	}
	entry, ok := v.tx.records[enc]
	if !ok {
		return nil, nil
	}
	return deepCopy(entry.value)
}

func (v memView) Add(rec Record, opts WriteOptions) (Key, error) {
	return v.write(rec, opts, true)
}

func (v memView) Put(rec Record, opts WriteOptions) (Key, error) {
	return v.write(rec, opts, false)
}

func (v memView) write(rec Record, opts WriteOptions, noOverwrite bool) (Key, error) {
	t := v.tx
	if err := t.active(); err != nil {
		return nil, err
	}
	if t.mode != ReadWrite {
		return nil, ErrReadOnly
	}

	saved := t.gen
	key, out, err := prepareWrite(t.info, rec, opts, &t.gen)
	if err != nil {
		t.gen = saved
		return nil, err
	}
	enc, err := EncodeKey(key)
	if err != nil {
		t.gen = saved
		return nil, err
	}

	if _, exists := t.records[enc]; exists && noOverwrite {
		return nil, t.fail(fmt.Errorf("%w: key %s already exists in %q", ErrConstraint, enc, t.info.Name))
	}
	if err := v.checkUnique(enc, out); err != nil {
		return nil, t.fail(err)
	}

	t.records[enc] = memEntry{key: key, value: out}
	t.dirty = true
	return key, nil
}

func (v memView) checkUnique(enc string, rec Record) error {
	for _, idx := range v.tx.info.Indexes {
		if !idx.Options.Unique {
			continue
		}
		entries := indexKeys(idx, rec)
		if len(entries) == 0 {
			continue
		}
		for otherEnc, other := range v.tx.records {
			if otherEnc == enc {
				continue
			}
			if intersects(entries, indexKeys(idx, other.value)) {
				return fmt.Errorf("%w: unique index %q already has an entry for this value", ErrConstraint, idx.Name)
			}
		}
	}
	return nil
}

func intersects(a, b []Key) bool {
	for _, x := range a {
		for _, y := range b {
			if CompareKeys(x, y) == 0 {
				return true
			}
		}
	}
	return false
}

func (v memView) Delete(key Key) error {
	t := v.tx
	if err := t.active(); err != nil {
		return err
	}
	if t.mode != ReadWrite {
		return ErrReadOnly
	}
	enc, err := encodeLookupKey(key)
	if err != nil {
		return err
	}
	if _, ok := t.records[enc]; ok {
		delete(t.records, enc)
		t.dirty = true
	}
	return nil
}

func (v memView) GetAll() ([]Record, error) {
	if err := v.tx.active(); err != nil {
		return nil, err
	}
	return copyValues(sortedEntries(v.tx.records, nil))
}

func (v memView) GetByIndex(index string, value Key) ([]Record, error) {
	if err := v.tx.active(); err != nil {
		return nil, err
	}
	idx, ok := v.tx.info.Index(index)
	if !ok {
		return nil, fmt.Errorf("%w: index %q on %q", ErrNotFound, index, v.tx.info.Name)
	}
	want, err := NormalizeKey(value)
	if err != nil {
		return nil, err
	}
	return copyValues(sortedEntries(v.tx.records, func(e memEntry) bool {
		return intersects([]Key{want}, indexKeys(idx, e.value))
	}))
}

func (v memView) Count() (int, error) {
	if err := v.tx.active(); err != nil {
		return 0, err
	}
	return len(v.tx.records), nil
}

func encodeLookupKey(key Key) (string, error) {
	k, err := NormalizeKey(key)
	if err != nil {
		return "", err
	}
	return EncodeKey(k)
}

func sortedEntries(records map[string]memEntry, keep func(memEntry) bool) []memEntry {
	out := make([]memEntry, 0, len(records))
	for _, e := range records {
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return CompareKeys(out[i].key, out[j].key) < 0 })
	return out
}

func copyValues(entries []memEntry) ([]Record, error) {
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		rec, err := deepCopy(e.value)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type memUpgrader struct {
	collections map[string]*memCollection
}

func (u *memUpgrader) CollectionNames() []string {
	names := slices.Collect(maps.Keys(u.collections))
	sort.Strings(names)
	return names
}

func (u *memUpgrader) Collection(name string) (CollectionEditor, bool) {
	c, ok := u.collections[name]
	if !ok {
		return nil, false
	}
	return memEditor{c}, true
}

func (u *memUpgrader) CreateCollection(name string, keyPath schema.KeyPath, autoIncrement bool) (CollectionEditor, error) {
	existing := make(map[string]bool, len(u.collections))
	for n := range u.collections {
		existing[n] = true
	}
	if err := checkNewCollection(existing, name, keyPath, autoIncrement); err != nil {
		return nil, err
	}
	c := newMemCollection(CollectionInfo{Name: name, KeyPath: keyPath, AutoIncrement: autoIncrement})
	u.collections[name] = c
	return memEditor{c}, nil
}

type memEditor struct {
	c *memCollection
}

func (e memEditor) Info() CollectionInfo { return e.c.info.clone() }

func (e memEditor) CreateIndex(spec schema.IndexSpec) error {
	if err := checkNewIndex(e.c.info, spec); err != nil {
		return err
	}
	if spec.Options.Unique {
		seen := make(map[string]bool)
		for _, entry := range e.c.records {
			for _, k := range indexKeys(spec, entry.value) {
				enc, err := EncodeKey(k)
				if err != nil {
					continue
				}
				if seen[enc] {
					return fmt.Errorf("%w: existing records violate unique index %q", ErrConstraint, spec.Name)
				}
				seen[enc] = true
			}
		}
	}
	e.c.info.Indexes = append(e.c.info.Indexes, spec)
	return nil
}
