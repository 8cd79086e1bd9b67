package integrity_test

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stevemurr/schemadb/integrity"
)

func TestComputeKnownDigest(t *testing.T) {
	// sha256 of `{"a":1}`
	const want = "015abd7f5cc57a2dd94b7590f04ad8084273905ee33ec5cebeae62276a97f862"
	got, err := integrity.Compute(map[string]any{"a": float64(1)}, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestComputeIgnoresHashField(t *testing.T) {
	rec := map[string]any{"v": float64(1), "name": "x"}
	with := map[string]any{"v": float64(1), "name": "x", "hash": "anything"}
	for _, alg := range integrity.Algorithms() {
		a, err := integrity.Compute(rec, alg)
		if err != nil {
			t.Fatal(err)
		}
		b, err := integrity.Compute(with, alg)
		if err != nil {
			t.Fatal(err)
		}
		if a != b {
			t.Fatalf("%s: hash field changed the digest", alg)
		}
	}
}

func TestDigestLengths(t *testing.T) {
	want := map[integrity.Algorithm]int{
		integrity.SHA256:     32,
		integrity.SHA384:     48,
		integrity.SHA512:     64,
		integrity.SHA3_256:   32,
		integrity.SHA3_512:   64,
		integrity.BLAKE2b256: 32,
	}
	for alg, n := range want {
		sum, err := integrity.Compute(map[string]any{"k": "v"}, alg)
		if err != nil {
			t.Fatal(err)
		}
		raw, err := hex.DecodeString(sum)
		if err != nil {
			t.Fatalf("%s: not hex: %v", alg, err)
		}
		if len(raw) != n {
			t.Fatalf("%s: expected %d bytes, got %d", alg, n, len(raw))
		}
	}
}

func TestCanonicalKeyOrder(t *testing.T) {
	a, err := integrity.Canonical(map[string]any{"b": float64(2), "a": map[string]any{"y": true, "x": "<&>"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != `{"a":{"x":"<&>","y":true},"b":2}` {
		t.Fatalf("unexpected canonical form %s", a)
	}
}

func TestStampVerifyRoundTrip(t *testing.T) {
	for _, alg := range integrity.Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			rec := map[string]any{"v": float64(1), "tags": []any{"a", "b"}, "hash": "stale"}
			stamped, err := integrity.Stamp(rec, alg)
			if err != nil {
				t.Fatal(err)
			}
			if stamped["hash"] == "stale" {
				t.Fatal("stale hash survived stamping")
			}
			if rec["hash"] != "stale" {
				t.Fatal("Stamp modified its input")
			}
			res, err := integrity.Verify(stamped, alg)
			if err != nil {
				t.Fatal(err)
			}
			if res != integrity.Verified {
				t.Fatalf("expected verified, got %s", res)
			}

			stamped["v"] = float64(2)
			res, err = integrity.Verify(stamped, alg)
			if err != nil {
				t.Fatal(err)
			}
			if res != integrity.Mismatch {
				t.Fatalf("expected mismatch after tamper, got %s", res)
			}
		})
	}
}

func TestVerifyWrongAlgorithmIsMismatch(t *testing.T) {
	stamped, err := integrity.Stamp(map[string]any{"v": float64(1)}, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	res, err := integrity.Verify(stamped, integrity.SHA3_256)
	if err != nil {
		t.Fatal(err)
	}
	if res != integrity.Mismatch {
		t.Fatalf("expected mismatch, got %s", res)
	}
}

func TestVerifyUnstamped(t *testing.T) {
	res, err := integrity.Verify(map[string]any{"v": float64(1)}, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if res != integrity.Unstamped {
		t.Fatalf("expected unstamped, got %s", res)
	}
}

func TestVerifyNonStringHash(t *testing.T) {
	res, err := integrity.Verify(map[string]any{"v": float64(1), "hash": float64(3)}, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if res != integrity.Mismatch {
		t.Fatalf("expected mismatch, got %s", res)
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	if _, err := integrity.Compute(map[string]any{}, "MD5"); !errors.Is(err, integrity.ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	if _, err := integrity.Verify(map[string]any{}, "MD5"); !errors.Is(err, integrity.ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := map[string]integrity.Algorithm{
		"SHA-256":     integrity.SHA256,
		"sha256":      integrity.SHA256,
		" sha-512 ":   integrity.SHA512,
		"sha3-256":    integrity.SHA3_256,
		"blake2b-256": integrity.BLAKE2b256,
	}
	for in, want := range tests {
		got, err := integrity.ParseAlgorithm(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: expected %s, got %s", in, want, got)
		}
	}
	if _, err := integrity.ParseAlgorithm("crc32"); !errors.Is(err, integrity.ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}
