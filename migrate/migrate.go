// Package migrate reconciles a declared schema against the physical
// structure of a database during a version upgrade.
//
// Reconciliation only ever creates. Collections and indexes that already
// exist are reused as they are, even when their declaration has since
// changed; such differences are reported as drift and left in place.
package migrate

import (
	"context"
	"fmt"

	"github.com/stevemurr/schemadb/schema"
	"github.com/stevemurr/schemadb/store"
)

// Report describes what Apply did. Index entries are "collection.index".
type Report struct {
	CreatedCollections []string
	ReusedCollections  []string
	CreatedIndexes     []string
	ReusedIndexes      []string
	Drift              []Drift
}

// Changed reports whether Apply created anything.
func (r Report) Changed() bool {
	return len(r.CreatedCollections) > 0 || len(r.CreatedIndexes) > 0
}

// Drift is a declaration that differs from the structure already stored.
type Drift struct {
	Collection string
	// Index is empty for collection-level drift (key path or auto-increment).
	Index    string
	Declared string
	Existing string
}

func (d Drift) String() string {
	target := d.Collection
	if d.Index != "" {
		target += "." + d.Index
	}
	return fmt.Sprintf("%s: declared %s, stored %s", target, d.Declared, d.Existing)
}

// Apply creates every declared collection and index that does not exist
// yet, in declaration order. Running it again with the same schema over the
// same structure creates nothing.
func Apply(up store.Upgrader, s schema.Schema) (Report, error) {
	var r Report
	for _, decl := range s.Collections {
		ed, exists := up.Collection(decl.Name)
		if exists {
			r.ReusedCollections = append(r.ReusedCollections, decl.Name)
			info := ed.Info()
			if !info.KeyPath.Equal(decl.KeyPath) || info.AutoIncrement != decl.AutoIncrement {
				r.Drift = append(r.Drift, Drift{
					Collection: decl.Name,
					Declared:   describeCollection(decl.KeyPath, decl.AutoIncrement),
					Existing:   describeCollection(info.KeyPath, info.AutoIncrement),
				})
			}
		} else {
			var err error
			ed, err = up.CreateCollection(decl.Name, decl.KeyPath, decl.AutoIncrement)
			if err != nil {
				return r, fmt.Errorf("create collection %q: %w", decl.Name, err)
			}
			r.CreatedCollections = append(r.CreatedCollections, decl.Name)
		}

		for _, idx := range decl.Indexes {
			name := decl.Name + "." + idx.Name
			existing, ok := ed.Info().Index(idx.Name)
			if ok {
				r.ReusedIndexes = append(r.ReusedIndexes, name)
				if !existing.KeyPath.Equal(idx.KeyPath) || existing.Options != idx.Options {
					r.Drift = append(r.Drift, Drift{
						Collection: decl.Name,
						Index:      idx.Name,
						Declared:   describeIndex(idx),
						Existing:   describeIndex(existing),
					})
				}
				continue
			}
			if err := ed.CreateIndex(idx); err != nil {
				return r, fmt.Errorf("create index %q: %w", name, err)
			}
			r.CreatedIndexes = append(r.CreatedIndexes, name)
		}
	}
	return r, nil
}

// Upgrade returns an UpgradeFunc applying s. done, if set, receives the
// report of a successful run.
func Upgrade(s schema.Schema, done func(oldVersion, newVersion int, r Report)) store.UpgradeFunc {
	return func(ctx context.Context, up store.Upgrader, oldVersion, newVersion int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := Apply(up, s)
		if err != nil {
			return err
		}
		if done != nil {
			done(oldVersion, newVersion, r)
		}
		return nil
	}
}

func describeCollection(kp schema.KeyPath, autoIncrement bool) string {
	path := "out-of-line"
	if !kp.IsZero() {
		path = "keyPath " + kp.String()
	}
	return fmt.Sprintf("%s autoIncrement=%t", path, autoIncrement)
}

func describeIndex(idx schema.IndexSpec) string {
	return fmt.Sprintf("keyPath %s unique=%t multiEntry=%t", idx.KeyPath, idx.Options.Unique, idx.Options.MultiEntry)
}
