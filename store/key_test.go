package store

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Key
		err  bool
	}{
		{"int", 3, float64(3), false},
		{"uint8", uint8(7), float64(7), false},
		{"negative zero", math.Copysign(0, -1), float64(0), false},
		{"string", "a", "a", false},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}, false},
		{"nested array", []any{1, []any{"x"}}, []any{float64(1), []any{"x"}}, false},
		{"NaN", math.NaN(), nil, true},
		{"infinity", math.Inf(1), nil, true},
		{"bool", true, nil, true},
		{"nil", nil, nil, true},
		{"object", map[string]any{"a": 1}, nil, true},
		{"array with bool", []any{1, false}, nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeKey(tc.in)
			if tc.err {
				if !errors.Is(err, ErrData) {
					t.Fatalf("expected ErrData, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompareKeys(t *testing.T) {
	ordered := []Key{
		float64(-1), float64(0), float64(2.5), float64(10),
		"", "a", "b",
		[]any{}, []any{float64(1)}, []any{float64(1), "a"}, []any{"a"},
	}
	for i := range ordered {
		for j := range ordered {
			got := CompareKeys(ordered[i], ordered[j])
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if got != want {
				t.Fatalf("CompareKeys(%v, %v) = %d, want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestEncodeKeyRoundTrip(t *testing.T) {
	for _, k := range []Key{float64(42), "<tag>&", []any{"a", float64(1)}} {
		enc, err := EncodeKey(k)
		if err != nil {
			t.Fatal(err)
		}
		back, err := DecodeKey(enc)
		if err != nil {
			t.Fatal(err)
		}
		if CompareKeys(k, back) != 0 {
			t.Fatalf("round trip of %v gave %v", k, back)
		}
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		in   string
		want Key
	}{
		{"42", float64(42)},
		{"-1.5", float64(-1.5)},
		{`["a",1]`, []any{"a", float64(1)}},
		{"alice", "alice"},
		{"12abc", "12abc"},
		{"[not json", "[not json"},
	}
	for _, tc := range tests {
		got, err := ParseKey(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%q mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestGenerator(t *testing.T) {
	g := generator{current: 1}
	k, err := g.next()
	if err != nil || k != float64(1) {
		t.Fatalf("expected 1, got %v (%v)", k, err)
	}
	g.observe(float64(7.5))
	if g.current != 8 {
		t.Fatalf("expected current 8, got %v", g.current)
	}
	g.observe("ignored")
	g.observe(float64(3))
	if g.current != 8 {
		t.Fatalf("observe moved the generator backwards: %v", g.current)
	}
	g.current = maxGeneratedKey + 1
	if _, err := g.next(); !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
}

func TestFrame(t *testing.T) {
	payload := []byte(`{"name":"Ann","tags":["a","b","a","b","a","b"]}`)
	for _, c := range []Compression{NoCompression, SnappyCompression, LZ4Compression, ZstdCompression} {
		t.Run(c.String(), func(t *testing.T) {
			frame, err := encodeFrame(c, payload)
			if err != nil {
				t.Fatal(err)
			}
			got, err := decodeFrame(frame)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != string(payload) {
				t.Fatalf("expected %s, got %s", payload, got)
			}

			tampered := append([]byte(nil), frame...)
			tampered[len(tampered)-1] ^= 0xff
			if _, err := decodeFrame(tampered); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("expected ErrCorrupt, got %v", err)
			}
		})
	}

	if _, err := decodeFrame([]byte{1, 2}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for short frame, got %v", err)
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": NoCompression, "none": NoCompression, "Snappy": SnappyCompression, "lz4": LZ4Compression, "zstd": ZstdCompression} {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Fatalf("ParseCompression(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Fatal("expected error for unknown compression")
	}
}
