// Package integrity computes and checks content digests attached to records.
//
// A record is stamped by removing any existing hash field, serializing the
// remainder canonically (JSON, object keys sorted, numbers as float64) and
// storing the lowercase hex digest under the hash field. Verification
// repeats the computation with a caller-supplied algorithm. A digest made
// with one algorithm and checked with another reports a plain mismatch.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Field is the reserved record field holding the digest.
const Field = "hash"

// Algorithm names a supported digest.
type Algorithm string

const (
	SHA256     Algorithm = "SHA-256"
	SHA384     Algorithm = "SHA-384"
	SHA512     Algorithm = "SHA-512"
	SHA3_256   Algorithm = "SHA3-256"
	SHA3_512   Algorithm = "SHA3-512"
	BLAKE2b256 Algorithm = "BLAKE2b-256"
)

// Default is used when no algorithm is configured.
const Default = SHA256

// Algorithms lists every supported algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{SHA256, SHA384, SHA512, SHA3_256, SHA3_512, BLAKE2b256}
}

var ErrUnsupportedAlgorithm = errors.New("integrity: unsupported algorithm")

// ParseAlgorithm accepts the canonical names case-insensitively, with or
// without the dash ("sha256", "SHA-256").
func ParseAlgorithm(s string) (Algorithm, error) {
	norm := func(v string) string { return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "-", "") }
	want := norm(s)
	for _, a := range Algorithms() {
		if norm(string(a)) == want {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case SHA3_512:
		return sha3.New512(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
}

// Strip returns a shallow copy of rec without the hash field.
func Strip(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if k != Field {
			out[k] = v
		}
	}
	return out
}

// Canonical serializes rec without its hash field.
func Canonical(rec map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Strip(rec)); err != nil {
		return nil, fmt.Errorf("integrity: canonicalize: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Compute returns the lowercase hex digest of rec, ignoring any hash field.
func Compute(rec map[string]any, alg Algorithm) (string, error) {
	h, err := alg.newHash()
	if err != nil {
		return "", err
	}
	b, err := Canonical(rec)
	if err != nil {
		return "", err
	}
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Stamp returns a copy of rec carrying a freshly computed hash field.
func Stamp(rec map[string]any, alg Algorithm) (map[string]any, error) {
	sum, err := Compute(rec, alg)
	if err != nil {
		return nil, err
	}
	out := Strip(rec)
	out[Field] = sum
	return out, nil
}

// Result is the outcome of Verify.
type Result int

const (
	// Verified means the stored digest matches.
	Verified Result = iota
	// Unstamped means the record has no hash field and is not checked.
	Unstamped
	// Mismatch means the stored digest differs from the computed one,
	// either because the record changed or because a different algorithm
	// was used to stamp it.
	Mismatch
)

func (r Result) String() string {
	switch r {
	case Verified:
		return "verified"
	case Unstamped:
		return "unstamped"
	case Mismatch:
		return "mismatch"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Verify recomputes rec's digest under alg and compares it with the stored
// one. A hash field that is not a string is a mismatch.
func Verify(rec map[string]any, alg Algorithm) (Result, error) {
	raw, ok := rec[Field]
	if !ok {
		if _, err := alg.newHash(); err != nil {
			return Mismatch, err
		}
		return Unstamped, nil
	}
	sum, err := Compute(rec, alg)
	if err != nil {
		return Mismatch, err
	}
	stored, ok := raw.(string)
	if !ok {
		return Mismatch, nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(sum)) != 1 {
		return Mismatch, nil
	}
	return Verified, nil
}
