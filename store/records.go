package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stevemurr/schemadb/schema"
)

// deepCopy returns a deep copy of a record by round-tripping through JSON.
// Numbers come back as float64, which is the representation every engine
// stores.
func deepCopy(src Record) (Record, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrData)
	}
	b, err := marshalRecord(src)
	if err != nil {
		return nil, err
	}
	return unmarshalRecord(b)
}

func marshalRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrData, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func unmarshalRecord(b []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rec, nil
}

// prepareWrite resolves the key for rec and returns it with the record that
// should be stored. The caller's record is never modified.
func prepareWrite(info CollectionInfo, rec Record, opts WriteOptions, gen *generator) (Key, Record, error) {
	out, err := deepCopy(rec)
	if err != nil {
		return nil, nil, err
	}

	var key Key
	if !info.KeyPath.IsZero() {
		if opts.Key != nil {
			return nil, nil, fmt.Errorf("%w: collection %q uses inline keys; an explicit key is not allowed", ErrData, info.Name)
		}
		raw, ok := info.KeyPath.Extract(out)
		switch {
		case ok:
			key, err = NormalizeKey(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("key path %s: %w", info.KeyPath, err)
			}
			if info.AutoIncrement {
				gen.observe(key)
			}
		case info.AutoIncrement && !info.KeyPath.IsCompound():
			key, err = gen.next()
			if err != nil {
				return nil, nil, err
			}
			if err := info.KeyPath.Inject(out, key); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrData, err)
			}
		default:
			return nil, nil, fmt.Errorf("%w: record has no value at key path %s", ErrData, info.KeyPath)
		}
	} else {
		switch {
		case opts.Key != nil:
			key, err = NormalizeKey(opts.Key)
			if err != nil {
				return nil, nil, err
			}
			if info.AutoIncrement {
				gen.observe(key)
			}
		case info.AutoIncrement:
			key, err = gen.next()
			if err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, fmt.Errorf("%w: collection %q has no key path or generator; a key is required", ErrData, info.Name)
		}
	}

	if opts.Finalize != nil {
		final, err := opts.Finalize(out)
		if err != nil {
			return nil, nil, err
		}
		if out, err = deepCopy(final); err != nil {
			return nil, nil, err
		}
		if !info.KeyPath.IsZero() {
			raw, ok := info.KeyPath.Extract(out)
			if !ok {
				return nil, nil, fmt.Errorf("%w: finalized record lost its key", ErrData)
			}
			if k, err := NormalizeKey(raw); err != nil || CompareKeys(k, key) != 0 {
				return nil, nil, fmt.Errorf("%w: finalized record changed its key", ErrData)
			}
		}
	}
	return key, out, nil
}

// indexKeys derives the entries a record contributes to an index. Records
// with no valid value at the index key path contribute nothing.
func indexKeys(idx schema.IndexSpec, rec Record) []Key {
	raw, ok := idx.KeyPath.Extract(rec)
	if !ok {
		return nil
	}
	if arr, isArr := raw.([]any); isArr && idx.Options.MultiEntry && !idx.KeyPath.IsCompound() {
		var out []Key
		seen := make(map[string]struct{}, len(arr))
		for _, e := range arr {
			k, err := NormalizeKey(e)
			if err != nil {
				continue
			}
			enc, err := EncodeKey(k)
			if err != nil {
				continue
			}
			if _, dup := seen[enc]; dup {
				continue
			}
			seen[enc] = struct{}{}
			out = append(out, k)
		}
		return out
	}
	k, err := NormalizeKey(raw)
	if err != nil {
		return nil
	}
	return []Key{k}
}

func checkNewCollection(existing map[string]bool, name string, keyPath schema.KeyPath, autoIncrement bool) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: collection name is empty", ErrData)
	}
	if existing[name] {
		return fmt.Errorf("%w: collection %q already exists", ErrConstraint, name)
	}
	if !keyPath.IsZero() {
		if err := keyPath.Check(); err != nil {
			return fmt.Errorf("%w: collection %q: %v", ErrData, name, err)
		}
		if autoIncrement && keyPath.IsCompound() {
			return fmt.Errorf("%w: collection %q: auto-increment requires a single key path", ErrData, name)
		}
	}
	return nil
}

func checkNewIndex(info CollectionInfo, spec schema.IndexSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: index name is empty", ErrData)
	}
	if _, exists := info.Index(spec.Name); exists {
		return fmt.Errorf("%w: index %q already exists on %q", ErrConstraint, spec.Name, info.Name)
	}
	if err := spec.KeyPath.Check(); err != nil {
		return fmt.Errorf("%w: index %q: %v", ErrData, spec.Name, err)
	}
	if spec.Options.MultiEntry && spec.KeyPath.IsCompound() {
		return fmt.Errorf("%w: index %q: multiEntry requires a single key path", ErrData, spec.Name)
	}
	return nil
}
