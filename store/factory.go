package store

import (
	"fmt"
)

// Options configure the engines that need them.
type Options struct {
	// Compression applies to the sqlite engines.
	Compression Compression
}

// New creates a Backend based on the engine name.
//
// Supported engines:
//
//	"memory"      - in-memory (ephemeral, default)
//	"json"        - JSON files under dataDir
//	"sqlite"      - SQLite files under dataDir, cgo driver
//	"sqlite-pure" - SQLite files under dataDir, pure-Go driver
func New(engine, dataDir string, opts Options) (Backend, error) {
	switch engine {
	case "memory", "":
		return NewMemoryStore(), nil
	case "json":
		return NewJsonFileStore(dataDir)
	case "sqlite":
		return NewSqliteStore(dataDir, opts.Compression)
	case "sqlite-pure":
		return NewPureSqliteStore(dataDir, opts.Compression)
	default:
		return nil, fmt.Errorf("unknown store engine: %q (supported: memory, json, sqlite, sqlite-pure)", engine)
	}
}
