package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeyPath names the field, or ordered fields, a key is derived from.
//
// A single key path is a dotted field name ("id", "profile.email"). A compound
// key path is an ordered list of dotted names and yields an array key. A
// compound path of one element still yields a one-element array.
type KeyPath struct {
	paths    []string
	compound bool
}

// Path returns a single key path.
func Path(p string) KeyPath {
	return KeyPath{paths: []string{p}}
}

// Compound returns a compound key path.
func Compound(paths ...string) KeyPath {
	return KeyPath{paths: append([]string(nil), paths...), compound: true}
}

// IsZero reports whether no key path is set.
func (p KeyPath) IsZero() bool {
	return len(p.paths) == 0 && !p.compound
}

// IsCompound reports whether the key path yields array keys.
func (p KeyPath) IsCompound() bool {
	return p.compound
}

// Paths returns the dotted field names making up the key path.
func (p KeyPath) Paths() []string {
	return append([]string(nil), p.paths...)
}

// Equal reports whether two key paths are identical.
func (p KeyPath) Equal(o KeyPath) bool {
	if p.compound != o.compound || len(p.paths) != len(o.paths) {
		return false
	}
	for i := range p.paths {
		if p.paths[i] != o.paths[i] {
			return false
		}
	}
	return true
}

func (p KeyPath) String() string {
	if p.IsZero() {
		return ""
	}
	if !p.compound {
		return p.paths[0]
	}
	return "[" + strings.Join(p.paths, ",") + "]"
}

func (p KeyPath) clone() KeyPath {
	if p.paths == nil {
		return KeyPath{compound: p.compound}
	}
	return KeyPath{paths: append([]string(nil), p.paths...), compound: p.compound}
}

// Check reports whether the key path is well formed: at least one path, and
// every path made of non-empty dot-separated segments.
func (p KeyPath) Check() error {
	if len(p.paths) == 0 {
		return errors.New("key path is empty")
	}
	for _, path := range p.paths {
		for _, seg := range strings.Split(path, ".") {
			if strings.TrimSpace(seg) == "" {
				return fmt.Errorf("key path %q has an empty segment", path)
			}
		}
	}
	return nil
}

// Extract evaluates the key path against a record. For a compound path the
// result is a []any holding one value per path. The second result is false
// when any path does not resolve.
func (p KeyPath) Extract(rec map[string]any) (any, bool) {
	if p.IsZero() {
		return nil, false
	}
	if !p.compound {
		return lookup(rec, p.paths[0])
	}
	out := make([]any, 0, len(p.paths))
	for _, path := range p.paths {
		v, ok := lookup(rec, path)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// Inject stores value at a single key path, creating intermediate objects
// as needed. Compound paths cannot be injected.
func (p KeyPath) Inject(rec map[string]any, value any) error {
	if p.compound || len(p.paths) != 1 {
		return fmt.Errorf("cannot inject into key path %s", p)
	}
	segs := strings.Split(p.paths[0], ".")
	cur := rec
	for _, seg := range segs[:len(segs)-1] {
		next, exists := cur[seg]
		if !exists {
			m := map[string]any{}
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot inject key at %q: %q is not an object", p.paths[0], seg)
		}
		cur = m
	}
	cur[segs[len(segs)-1]] = value
	return nil
}

func lookup(rec map[string]any, path string) (any, bool) {
	var cur any = rec
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// MarshalJSON encodes a single path as a string and a compound path as an
// array of strings.
func (p KeyPath) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	if p.compound {
		return json.Marshal(p.paths)
	}
	return json.Marshal(p.paths[0])
}

// UnmarshalJSON accepts a string, an array of strings, or null.
func (p *KeyPath) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return p.fromAny(raw)
}

// MarshalYAML mirrors MarshalJSON.
func (p KeyPath) MarshalYAML() (any, error) {
	if p.IsZero() {
		return nil, nil
	}
	if p.compound {
		return p.paths, nil
	}
	return p.paths[0], nil
}

// UnmarshalYAML accepts a scalar or a sequence of scalars.
func (p *KeyPath) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*p = KeyPath{}
			return nil
		}
		*p = Path(node.Value)
		return nil
	case yaml.SequenceNode:
		var paths []string
		if err := node.Decode(&paths); err != nil {
			return fmt.Errorf("key path: %w", err)
		}
		*p = Compound(paths...)
		return nil
	default:
		return fmt.Errorf("key path: line %d: expected string or list of strings", node.Line)
	}
}

func (p *KeyPath) fromAny(raw any) error {
	switch v := raw.(type) {
	case nil:
		*p = KeyPath{}
	case string:
		*p = Path(v)
	case []any:
		paths := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return fmt.Errorf("key path: element %v is not a string", e)
			}
			paths = append(paths, s)
		}
		*p = Compound(paths...)
	default:
		return fmt.Errorf("key path: expected string or array, got %T", raw)
	}
	return nil
}
