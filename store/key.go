package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// NormalizeKey converts v to its canonical key form: float64 for numbers,
// string, or []any of normalized keys. It fails with ErrData for values that
// cannot be keys (booleans, null, objects, NaN, infinities).
func NormalizeKey(v any) (Key, error) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("%w: key %v is not a finite number", ErrData, t)
		}
		if t == 0 {
			// -0 and 0 are the same key
			return float64(0), nil
		}
		return t, nil
	case float32:
		return NormalizeKey(float64(t))
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrData, t, err)
		}
		return NormalizeKey(f)
	case string:
		return t, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			k, err := NormalizeKey(e)
			if err != nil {
				return nil, err
			}
			out[i] = k
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T is not a valid key", ErrData, v)
	}
}

// CompareKeys orders two normalized keys: numbers before strings before
// arrays; numbers numerically, strings lexically, arrays element by element
// and then by length.
func CompareKeys(a, b Key) int {
	ra, rb := keyRank(a), keyRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	case []any:
		bv := b.([]any)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := CompareKeys(av[i], bv[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(av) < len(bv):
			return -1
		case len(av) > len(bv):
			return 1
		}
		return 0
	}
	return 0
}

func keyRank(k Key) int {
	switch k.(type) {
	case float64:
		return 0
	case string:
		return 1
	case []any:
		return 2
	default:
		return 3
	}
}

// EncodeKey renders a normalized key as a canonical string suitable for
// equality lookups. Equal keys always encode identically.
func EncodeKey(k Key) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(k); err != nil {
		return "", fmt.Errorf("%w: encode key: %v", ErrData, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// DecodeKey reverses EncodeKey.
func DecodeKey(s string) (Key, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("%w: decode key %q: %v", ErrCorrupt, s, err)
	}
	return NormalizeKey(v)
}

// ParseKey interprets text as a key: a JSON number or array is decoded,
// anything else is taken as a string key.
func ParseKey(s string) (Key, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed != "" && (trimmed[0] == '[' || trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')) {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return NormalizeKey(v)
		}
	}
	return s, nil
}

// generator issues auto-increment keys for one collection. current is the
// next key to hand out.
type generator struct {
	current float64
	dirty   bool
}

// maxGeneratedKey is the largest integer a float64 represents exactly.
const maxGeneratedKey = 1 << 53

func (g *generator) next() (Key, error) {
	if g.current > maxGeneratedKey {
		return nil, fmt.Errorf("%w: key generator exhausted", ErrConstraint)
	}
	k := g.current
	g.current++
	g.dirty = true
	return k, nil
}

// observe moves the generator past an explicitly supplied numeric key.
func (g *generator) observe(k Key) {
	f, ok := k.(float64)
	if !ok || f < g.current {
		return
	}
	g.current = math.Floor(f) + 1
	g.dirty = true
}
