package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/stevemurr/schemadb/schema"
)

// JsonFileStore keeps databases in memory and writes every committed change
// through to JSON files on disk.
//
// Layout:
//
//	data_dir/
//	  app/                    # database "app"
//	    _manifest.json        # version and collection structure
//	    collections/
//	      notes.json          # "notes" records and key generator
//	      tasks.json
type JsonFileStore struct {
	*engine
	dir string
}

func NewJsonFileStore(dir string) (*JsonFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JsonFileStore{engine: newEngine(jsonPersister{dir: dir}), dir: dir}, nil
}

// fileName turns an arbitrary name into a single safe path element.
func fileName(name string) string {
	return strings.ReplaceAll(url.PathEscape(name), ".", "%2E")
}

type jsonManifest struct {
	Version     int                  `json:"version"`
	Collections []jsonCollectionMeta `json:"collections"`
}

type jsonCollectionMeta struct {
	Name          string             `json:"name"`
	KeyPath       schema.KeyPath     `json:"keyPath,omitzero"`
	AutoIncrement bool               `json:"autoIncrement,omitempty"`
	Indexes       []schema.IndexSpec `json:"indexes,omitempty"`
}

type jsonCollectionFile struct {
	Current float64      `json:"current"`
	Records []jsonRecord `json:"records"`
}

type jsonRecord struct {
	Key   Key    `json:"key"`
	Value Record `json:"value"`
}

type jsonPersister struct {
	dir string
}

func (p jsonPersister) dbDir(name string) string {
	return filepath.Join(p.dir, fileName(name))
}

func (p jsonPersister) manifestPath(name string) string {
	return filepath.Join(p.dbDir(name), "_manifest.json")
}

func (p jsonPersister) collectionPath(name, collection string) string {
	return filepath.Join(p.dbDir(name), "collections", fileName(collection)+".json")
}

func (p jsonPersister) load(name string) (*memDatabase, error) {
	data, err := os.ReadFile(p.manifestPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var m jsonManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrCorrupt, err)
	}

	db := &memDatabase{version: m.Version, collections: make(map[string]*memCollection, len(m.Collections))}
	for _, meta := range m.Collections {
		c := newMemCollection(CollectionInfo{
			Name:          meta.Name,
			KeyPath:       meta.KeyPath,
			AutoIncrement: meta.AutoIncrement,
			Indexes:       meta.Indexes,
		})
		if err := p.loadCollection(name, c); err != nil {
			return nil, fmt.Errorf("collection %q: %w", meta.Name, err)
		}
		db.collections[meta.Name] = c
	}
	return db, nil
}

func (p jsonPersister) loadCollection(name string, c *memCollection) error {
	data, err := os.ReadFile(p.collectionPath(name, c.info.Name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var f jsonCollectionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if f.Current >= 1 {
		c.current = f.Current
	}
	for _, r := range f.Records {
		k, err := NormalizeKey(r.Key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		enc, err := EncodeKey(k)
		if err != nil {
			return err
		}
		c.records[enc] = memEntry{key: k, value: r.Value}
	}
	return nil
}

func (p jsonPersister) saveCollection(name string, c *memCollection, current float64, records map[string]memEntry) error {
	f := jsonCollectionFile{Current: current, Records: make([]jsonRecord, 0, len(records))}
	for _, e := range sortedEntries(records, nil) {
		f.Records = append(f.Records, jsonRecord{Key: e.key, Value: e.value})
	}
	return p.saveFile(p.collectionPath(name, c.info.Name), f)
}

func (p jsonPersister) saveStructure(name string, version int, collections map[string]*memCollection) error {
	names := make([]string, 0, len(collections))
	for n := range collections {
		names = append(names, n)
	}
	sort.Strings(names)

	m := jsonManifest{Version: version, Collections: make([]jsonCollectionMeta, 0, len(names))}
	for _, n := range names {
		c := collections[n]
		if _, err := os.Stat(p.collectionPath(name, n)); errors.Is(err, os.ErrNotExist) {
			if err := p.saveCollection(name, c, c.current, c.records); err != nil {
				return err
			}
		}
		m.Collections = append(m.Collections, jsonCollectionMeta{
			Name:          c.info.Name,
			KeyPath:       c.info.KeyPath,
			AutoIncrement: c.info.AutoIncrement,
			Indexes:       c.info.Indexes,
		})
	}
	// The manifest goes last so a crash never leaves it naming a collection
	// whose file was not written.
	return p.saveFile(p.manifestPath(name), m)
}

func (p jsonPersister) remove(name string) error {
	return os.RemoveAll(p.dbDir(name))
}

func (p jsonPersister) saveFile(path string, data any) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrData, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(b))
}
