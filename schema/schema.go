// Package schema describes the declared logical layout of a database:
// its version, the named collections it holds, how each collection derives
// record keys, and which secondary indexes it maintains.
//
// A Schema is plain data. It is supplied by the caller, validated before any
// storage is touched, and never mutated afterwards.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Schema is the declared layout of one database.
type Schema struct {
	Version     int          `json:"version" yaml:"version"`
	Collections []Collection `json:"collections" yaml:"collections"`
}

// Collection is a named group of records.
type Collection struct {
	Name          string      `json:"name" yaml:"name"`
	KeyPath       KeyPath     `json:"keyPath,omitzero" yaml:"keyPath,omitempty"`
	AutoIncrement bool        `json:"autoIncrement,omitempty" yaml:"autoIncrement,omitempty"`
	Indexes       []IndexSpec `json:"indexes,omitempty" yaml:"indexes,omitempty"`

	// Document is an optional JSON Schema every record written to the
	// collection must satisfy. See ValidateDocument.
	Document map[string]any `json:"document,omitempty" yaml:"document,omitempty"`
}

// IndexSpec declares a secondary index over a collection.
type IndexSpec struct {
	Name    string       `json:"name" yaml:"name"`
	KeyPath KeyPath      `json:"keyPath" yaml:"keyPath"`
	Options IndexOptions `json:"options,omitzero" yaml:"options,omitempty"`
}

// IndexOptions tune how index entries are derived and constrained.
type IndexOptions struct {
	Unique     bool `json:"unique,omitempty" yaml:"unique,omitempty"`
	MultiEntry bool `json:"multiEntry,omitempty" yaml:"multiEntry,omitempty"`
}

// ValidationError is one rule violation found by Validate.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Problem)
}

// Validate checks the schema rules independently and reports every
// violation, joined into a single error. It returns nil for a valid schema.
//
// Rules:
//   - version must be greater than zero
//   - at least one collection must be declared
//   - every collection name, trimmed of whitespace, must be non-empty
func (s Schema) Validate() error {
	var errs []error

	if s.Version <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "version",
			Problem: fmt.Sprintf("must be a positive integer, got %d", s.Version),
		})
	}

	if len(s.Collections) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "collections",
			Problem: "at least one collection is required",
		})
	}

	for i, c := range s.Collections {
		if strings.TrimSpace(c.Name) == "" {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("collections[%d].name", i),
				Problem: "must not be empty",
			})
		}
	}

	return errors.Join(errs...)
}

// Violations unpacks the individual rule violations from an error returned
// by Validate.
func Violations(err error) []*ValidationError {
	if err == nil {
		return nil
	}
	var out []*ValidationError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			var v *ValidationError
			if errors.As(e, &v) {
				out = append(out, v)
			}
		}
		return out
	}
	var v *ValidationError
	if errors.As(err, &v) {
		out = append(out, v)
	}
	return out
}

// Lookup returns the declared collection with the given name.
func (s Schema) Lookup(name string) (Collection, bool) {
	for _, c := range s.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// Names returns the declared collection names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s.Collections))
	for _, c := range s.Collections {
		names = append(names, c.Name)
	}
	return names
}

// Clone returns a deep copy so the caller's value can no longer alias it.
func (s Schema) Clone() Schema {
	out := Schema{Version: s.Version}
	if s.Collections == nil {
		return out
	}
	out.Collections = make([]Collection, len(s.Collections))
	for i, c := range s.Collections {
		cc := c
		cc.KeyPath = c.KeyPath.clone()
		if c.Indexes != nil {
			cc.Indexes = make([]IndexSpec, len(c.Indexes))
			for j, idx := range c.Indexes {
				idx.KeyPath = idx.KeyPath.clone()
				cc.Indexes[j] = idx
			}
		}
		cc.Document = cloneMap(c.Document)
		out.Collections[i] = cc
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
