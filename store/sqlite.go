package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/stevemurr/schemadb/schema"
)

// SqliteStore keeps each database in its own SQLite file.
//
// Tables:
//
//	_collections(name, key_path, auto_increment, current_key)  PRIMARY KEY (name)
//	_indexes(collection, name, key_path, is_unique, multi_entry)
//	_records(collection, pkey, data)                           PRIMARY KEY (collection, pkey)
//	_index_entries(collection, idx, ikey, pkey)
//
// The database version lives in PRAGMA user_version. Record data is a
// checksummed frame around the record's JSON.
type SqliteStore struct {
	driver      string
	dir         string
	compression Compression

	mu      sync.Mutex
	handles map[string]*sqliteHandle
	reg     *registry
}

// NewSqliteStore uses the cgo driver (mattn/go-sqlite3).
func NewSqliteStore(dir string, c Compression) (*SqliteStore, error) {
	return newSqliteStore("sqlite3", dir, c)
}

// NewPureSqliteStore uses the pure-Go driver (modernc.org/sqlite).
func NewPureSqliteStore(dir string, c Compression) (*SqliteStore, error) {
	return newSqliteStore("sqlite", dir, c)
}

func newSqliteStore(driver, dir string, c Compression) (*SqliteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SqliteStore{
		driver:      driver,
		dir:         dir,
		compression: c,
		handles:     make(map[string]*sqliteHandle),
		reg:         newRegistry(),
	}, nil
}

func (s *SqliteStore) path(name string) string {
	return filepath.Join(s.dir, fileName(name)+".db")
}

// sqliteHandle is the shared *sql.DB for one database file. A single
// underlying connection serializes transactions.
type sqliteHandle struct {
	db   *sql.DB
	refs int

	mu      sync.RWMutex
	version int
	meta    map[string]CollectionInfo
}

const sqliteBootstrap = `
CREATE TABLE IF NOT EXISTS _collections (
	name TEXT PRIMARY KEY,
	key_path TEXT NOT NULL,
	auto_increment INTEGER NOT NULL,
	current_key REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS _indexes (
	collection TEXT NOT NULL,
	name TEXT NOT NULL,
	key_path TEXT NOT NULL,
	is_unique INTEGER NOT NULL,
	multi_entry INTEGER NOT NULL,
	PRIMARY KEY (collection, name)
);
CREATE TABLE IF NOT EXISTS _records (
	collection TEXT NOT NULL,
	pkey TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (collection, pkey)
);
CREATE TABLE IF NOT EXISTS _index_entries (
	collection TEXT NOT NULL,
	idx TEXT NOT NULL,
	ikey TEXT NOT NULL,
	pkey TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS _index_entries_lookup ON _index_entries (collection, idx, ikey);
CREATE INDEX IF NOT EXISTS _index_entries_owner ON _index_entries (collection, pkey);
`

func (s *SqliteStore) acquireHandle(ctx context.Context, name string) (*sqliteHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[name]; ok {
		h.refs++
		return h, nil
	}

	db, err := sql.Open(s.driver, s.path(name))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteBootstrap} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init %s: %w", s.path(name), err)
		}
	}
	h := &sqliteHandle{db: db, refs: 1}
	if err := h.reload(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s.handles[name] = h
	return h, nil
}

func (s *SqliteStore) releaseHandle(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[name]
	if !ok {
		return
	}
	h.refs--
	if h.refs <= 0 {
		h.db.Close()
		delete(s.handles, name)
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// reload refreshes the cached version and collection structure.
func (h *sqliteHandle) reload(ctx context.Context, q queryer) error {
	var version int
	rows, err := q.QueryContext(ctx, "PRAGMA user_version")
	if err != nil {
		return err
	}
	for rows.Next() {
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return err
		}
	}
	rows.Close()
	meta, err := loadMeta(ctx, q)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.version = version
	h.meta = meta
	h.mu.Unlock()
	return nil
}

func loadMeta(ctx context.Context, q queryer) (map[string]CollectionInfo, error) {
	rows, err := q.QueryContext(ctx, "SELECT name, key_path, auto_increment FROM _collections")
	if err != nil {
		return nil, err
	}
	meta := make(map[string]CollectionInfo)
	for rows.Next() {
		var name, kp string
		var auto int
		if err := rows.Scan(&name, &kp, &auto); err != nil {
			rows.Close()
			return nil, err
		}
		var keyPath schema.KeyPath
		if err := json.Unmarshal([]byte(kp), &keyPath); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: key path of %q: %v", ErrCorrupt, name, err)
		}
		meta[name] = CollectionInfo{Name: name, KeyPath: keyPath, AutoIncrement: auto != 0}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, "SELECT collection, name, key_path, is_unique, multi_entry FROM _indexes ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var coll, name, kp string
		var unique, multi int
		if err := rows.Scan(&coll, &name, &kp, &unique, &multi); err != nil {
			return nil, err
		}
		var keyPath schema.KeyPath
		if err := json.Unmarshal([]byte(kp), &keyPath); err != nil {
			return nil, fmt.Errorf("%w: key path of index %q: %v", ErrCorrupt, name, err)
		}
		info, ok := meta[coll]
		if !ok {
			continue
		}
		info.Indexes = append(info.Indexes, schema.IndexSpec{
			Name:    name,
			KeyPath: keyPath,
			Options: schema.IndexOptions{Unique: unique != 0, MultiEntry: multi != 0},
		})
		meta[coll] = info
	}
	return meta, rows.Err()
}

// Open implements Backend.
func (s *SqliteStore) Open(ctx context.Context, name string, version int, upgrade UpgradeFunc) (Conn, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: version must be positive, got %d", ErrData, version)
	}
	if err := s.reg.acquire(ctx, name); err != nil {
		return nil, err
	}
	h, err := s.acquireHandle(ctx, name)
	if err != nil {
		s.reg.release(name)
		return nil, fmt.Errorf("open database %q: %w", name, err)
	}
	if err := s.upgradeIfNeeded(ctx, h, name, version, upgrade); err != nil {
		s.releaseHandle(name)
		s.reg.release(name)
		return nil, err
	}
	return &sqliteConn{store: s, name: name, h: h}, nil
}

func (s *SqliteStore) upgradeIfNeeded(ctx context.Context, h *sqliteHandle, name string, version int, upgrade UpgradeFunc) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stored int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stored); err != nil {
		return err
	}
	if version < stored {
		return fmt.Errorf("%w: open %q at %d, stored %d", ErrVersion, name, version, stored)
	}
	if version == stored {
		return nil
	}

	meta, err := loadMeta(ctx, tx)
	if err != nil {
		return err
	}
	up := &sqliteUpgrader{ctx: ctx, tx: tx, meta: meta}
	if upgrade != nil {
		if err := upgrade(ctx, up, stored, version); err != nil {
			return fmt.Errorf("upgrade %q from %d to %d: %w", name, stored, version, err)
		}
	}
	// PRAGMA arguments cannot be bound.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return h.reload(ctx, h.db)
}

// Delete implements Backend.
func (s *SqliteStore) Delete(ctx context.Context, name string, onBlocked func()) error {
	done, err := s.reg.beginDelete(ctx, name, onBlocked)
	if err != nil {
		return err
	}
	defer done()

	base := s.path(name)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete database %q: %w", name, err)
		}
	}
	return nil
}

type sqliteConn struct {
	store  *SqliteStore
	name   string
	h      *sqliteHandle
	mu     sync.Mutex
	closed bool
}

func (c *sqliteConn) Name() string { return c.name }

func (c *sqliteConn) Version() int {
	c.h.mu.RLock()
	defer c.h.mu.RUnlock()
	return c.h.version
}

func (c *sqliteConn) CollectionNames() []string {
	c.h.mu.RLock()
	defer c.h.mu.RUnlock()
	names := make([]string, 0, len(c.h.meta))
	for n := range c.h.meta {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *sqliteConn) Collection(name string) (CollectionInfo, bool) {
	c.h.mu.RLock()
	defer c.h.mu.RUnlock()
	info, ok := c.h.meta[name]
	if !ok {
		return CollectionInfo{}, false
	}
	return info.clone(), true
}

func (c *sqliteConn) Begin(ctx context.Context, collection string, mode Mode) (Tx, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	info, ok := c.Collection(collection)
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", ErrNotFound, collection)
	}

	tx, err := c.h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	t := &sqliteTx{ctx: ctx, tx: tx, info: info, mode: mode, compression: c.store.compression}
	if mode == ReadWrite && info.AutoIncrement {
		if err := tx.QueryRowContext(ctx, "SELECT current_key FROM _collections WHERE name = ?", collection).Scan(&t.gen.current); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	return t, nil
}

func (c *sqliteConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.store.releaseHandle(c.name)
	c.store.reg.release(c.name)
	return nil
}

type sqliteTx struct {
	ctx         context.Context
	tx          *sql.Tx
	info        CollectionInfo
	mode        Mode
	compression Compression
	gen         generator
	done        bool
	err         error
}

func (t *sqliteTx) Collection() Collection { return sqliteView{t} }

func (t *sqliteTx) Err() error { return t.err }

func (t *sqliteTx) fail(err error) error {
	t.err = err
	if !t.done {
		t.done = true
		t.tx.Rollback()
	}
	return err
}

func (t *sqliteTx) active() error {
	if !t.done {
		return nil
	}
	if t.err != nil {
		return fmt.Errorf("%w: %w", ErrTxInactive, t.err)
	}
	return ErrTxInactive
}

func (t *sqliteTx) Commit() error {
	if t.done {
		if t.err != nil {
			return t.err
		}
		return ErrTxInactive
	}
	if t.gen.dirty {
		if _, err := t.tx.ExecContext(t.ctx, "UPDATE _collections SET current_key = ? WHERE name = ?", t.gen.current, t.info.Name); err != nil {
			return t.fail(fmt.Errorf("commit %q: %w", t.info.Name, err))
		}
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		t.err = fmt.Errorf("commit %q: %w", t.info.Name, err)
		return t.err
	}
	return nil
}

func (t *sqliteTx) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	t.err = ErrAborted
	return t.tx.Rollback()
}

type sqliteView struct {
	t *sqliteTx
}

func (v sqliteView) Info() CollectionInfo { return v.t.info.clone() }

func (v sqliteView) Get(key Key) (Record, error) {
	t := v.t
	if err := t.active(); err != nil {
		return nil, err
	}
	enc, err := encodeLookupKey(key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = t.tx.QueryRowContext(t.ctx, "SELECT data FROM _records WHERE collection = ? AND pkey = ?", t.info.Name, enc).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, t.fail(err)
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (Record, error) {
	payload, err := decodeFrame(data)
	if err != nil {
		return nil, err
	}
	return unmarshalRecord(payload)
}

func (v sqliteView) Add(rec Record, opts WriteOptions) (Key, error) {
	return v.write(rec, opts, true)
}

func (v sqliteView) Put(rec Record, opts WriteOptions) (Key, error) {
	return v.write(rec, opts, false)
}

func (v sqliteView) write(rec Record, opts WriteOptions, noOverwrite bool) (Key, error) {
	t := v.t
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

	if noOverwrite {
		var one int
		err := t.tx.QueryRowContext(t.ctx, "SELECT 1 FROM _records WHERE collection = ? AND pkey = ?", t.info.Name, enc).Scan(&one)
		if err == nil {
			return nil, t.fail(fmt.Errorf("%w: key %s already exists in %q", ErrConstraint, enc, t.info.Name))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, t.fail(err)
		}
	}

	entries, err := v.indexEntries(enc, out)
	if err != nil {
		return nil, t.fail(err)
	}

	payload, err := marshalRecord(out)
	if err != nil {
		return nil, err
	}
	frame, err := encodeFrame(t.compression, payload)
	if err != nil {
		return nil, t.fail(err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO _records (collection, pkey, data) VALUES (?, ?, ?)
		 ON CONFLICT(collection, pkey) DO UPDATE SET data = excluded.data`,
		t.info.Name, enc, frame,
	); err != nil {
		return nil, t.fail(err)
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM _index_entries WHERE collection = ? AND pkey = ?", t.info.Name, enc); err != nil {
		return nil, t.fail(err)
	}
	for _, e := range entries {
		if _, err := t.tx.ExecContext(t.ctx,
			"INSERT INTO _index_entries (collection, idx, ikey, pkey) VALUES (?, ?, ?, ?)",
			t.info.Name, e.idx, e.ikey, enc,
		); err != nil {
			return nil, t.fail(err)
		}
	}
	return key, nil
}

type indexEntry struct {
	idx  string
	ikey string
}

// indexEntries derives rec's index entries and checks unique indexes
// against every other record.
func (v sqliteView) indexEntries(enc string, rec Record) ([]indexEntry, error) {
	t := v.t
	var out []indexEntry
	for _, idx := range t.info.Indexes {
		for _, k := range indexKeys(idx, rec) {
			ikey, err := EncodeKey(k)
			if err != nil {
				return nil, err
			}
			if idx.Options.Unique {
				var owner string
				err := t.tx.QueryRowContext(t.ctx,
					"SELECT pkey FROM _index_entries WHERE collection = ? AND idx = ? AND ikey = ? AND pkey <> ? LIMIT 1",
					t.info.Name, idx.Name, ikey, enc,
				).Scan(&owner)
				if err == nil {
					return nil, fmt.Errorf("%w: unique index %q already has an entry for this value", ErrConstraint, idx.Name)
				}
				if !errors.Is(err, sql.ErrNoRows) {
					return nil, err
				}
			}
			out = append(out, indexEntry{idx: idx.Name, ikey: ikey})
		}
	}
	return out, nil
}

func (v sqliteView) Delete(key Key) error {
	t := v.t
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
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM _records WHERE collection = ? AND pkey = ?", t.info.Name, enc); err != nil {
		return t.fail(err)
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM _index_entries WHERE collection = ? AND pkey = ?", t.info.Name, enc); err != nil {
		return t.fail(err)
	}
	return nil
}

func (v sqliteView) GetAll() ([]Record, error) {
	if err := v.t.active(); err != nil {
		return nil, err
	}
	return v.query("SELECT pkey, data FROM _records WHERE collection = ?", v.t.info.Name)
}

func (v sqliteView) GetByIndex(index string, value Key) ([]Record, error) {
	t := v.t
	if err := t.active(); err != nil {
		return nil, err
	}
	if _, ok := t.info.Index(index); !ok {
		return nil, fmt.Errorf("%w: index %q on %q", ErrNotFound, index, t.info.Name)
	}
	ikey, err := encodeLookupKey(value)
	if err != nil {
		return nil, err
	}
	return v.query(
		`SELECT DISTINCT r.pkey, r.data FROM _index_entries e
		 JOIN _records r ON r.collection = e.collection AND r.pkey = e.pkey
		 WHERE e.collection = ? AND e.idx = ? AND e.ikey = ?`,
		t.info.Name, index, ikey,
	)
}

// query returns the matching records sorted by key.
func (v sqliteView) query(q string, args ...any) ([]Record, error) {
	t := v.t
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, t.fail(err)
	}
	defer rows.Close()

	type row struct {
		key Key
		rec Record
	}
	var found []row
	for rows.Next() {
		var enc string
		var data []byte
		if err := rows.Scan(&enc, &data); err != nil {
			return nil, t.fail(err)
		}
		k, err := DecodeKey(enc)
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", enc, err)
		}
		found = append(found, row{key: k, rec: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail(err)
	}
	sort.Slice(found, func(i, j int) bool { return CompareKeys(found[i].key, found[j].key) < 0 })
	out := make([]Record, len(found))
	for i, r := range found {
		out[i] = r.rec
	}
	return out, nil
}

func (v sqliteView) Count() (int, error) {
	t := v.t
	if err := t.active(); err != nil {
		return 0, err
	}
	var n int
	if err := t.tx.QueryRowContext(t.ctx, "SELECT COUNT(*) FROM _records WHERE collection = ?", t.info.Name).Scan(&n); err != nil {
		return 0, t.fail(err)
	}
	return n, nil
}

type sqliteUpgrader struct {
	ctx  context.Context
	tx   *sql.Tx
	meta map[string]CollectionInfo
}

func (u *sqliteUpgrader) CollectionNames() []string {
	names := make([]string, 0, len(u.meta))
	for n := range u.meta {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (u *sqliteUpgrader) Collection(name string) (CollectionEditor, bool) {
	if _, ok := u.meta[name]; !ok {
		return nil, false
	}
	return sqliteEditor{u: u, name: name}, true
}

func (u *sqliteUpgrader) CreateCollection(name string, keyPath schema.KeyPath, autoIncrement bool) (CollectionEditor, error) {
	existing := make(map[string]bool, len(u.meta))
	for n := range u.meta {
		existing[n] = true
	}
	if err := checkNewCollection(existing, name, keyPath, autoIncrement); err != nil {
		return nil, err
	}
	kp, err := json.Marshal(keyPath)
	if err != nil {
		return nil, err
	}
	auto := 0
	if autoIncrement {
		auto = 1
	}
	if _, err := u.tx.ExecContext(u.ctx,
		"INSERT INTO _collections (name, key_path, auto_increment, current_key) VALUES (?, ?, ?, 1)",
		name, string(kp), auto,
	); err != nil {
		return nil, err
	}
	u.meta[name] = CollectionInfo{Name: name, KeyPath: keyPath, AutoIncrement: autoIncrement}
	return sqliteEditor{u: u, name: name}, nil
}

type sqliteEditor struct {
	u    *sqliteUpgrader
	name string
}

func (e sqliteEditor) Info() CollectionInfo { return e.u.meta[e.name].clone() }

func (e sqliteEditor) CreateIndex(spec schema.IndexSpec) error {
	u := e.u
	info := u.meta[e.name]
	if err := checkNewIndex(info, spec); err != nil {
		return err
	}
	kp, err := json.Marshal(spec.KeyPath)
	if err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(u.ctx,
		"INSERT INTO _indexes (collection, name, key_path, is_unique, multi_entry) VALUES (?, ?, ?, ?, ?)",
		e.name, spec.Name, string(kp), boolInt(spec.Options.Unique), boolInt(spec.Options.MultiEntry),
	); err != nil {
		return err
	}
	if err := e.populate(spec); err != nil {
		return err
	}
	info.Indexes = append(info.Indexes, spec)
	u.meta[e.name] = info
	return nil
}

// populate indexes the records already in the collection.
func (e sqliteEditor) populate(spec schema.IndexSpec) error {
	u := e.u
	rows, err := u.tx.QueryContext(u.ctx, "SELECT pkey, data FROM _records WHERE collection = ?", e.name)
	if err != nil {
		return err
	}
	type owned struct{ pkey, ikey string }
	var pending []owned
	seen := make(map[string]bool)
	for rows.Next() {
		var pkey string
		var data []byte
		if err := rows.Scan(&pkey, &data); err != nil {
			rows.Close()
			return err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			rows.Close()
			return fmt.Errorf("key %s: %w", pkey, err)
		}
		for _, k := range indexKeys(spec, rec) {
			ikey, err := EncodeKey(k)
			if err != nil {
				continue
			}
			if spec.Options.Unique && seen[ikey] {
				rows.Close()
				return fmt.Errorf("%w: existing records violate unique index %q", ErrConstraint, spec.Name)
			}
			seen[ikey] = true
			pending = append(pending, owned{pkey: pkey, ikey: ikey})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, p := range pending {
		if _, err := u.tx.ExecContext(u.ctx,
			"INSERT INTO _index_entries (collection, idx, ikey, pkey) VALUES (?, ?, ?, ?)",
			e.name, spec.Name, p.ikey, p.pkey,
		); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
