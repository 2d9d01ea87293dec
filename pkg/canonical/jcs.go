// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 digests. Every hash in the system — payload
// hashes, attestation chains, checkpoint fingerprints, idempotency scopes,
// linkage chains — flows through this package so that semantically equal
// values hash to identical bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Marshal returns the RFC 8785 canonical JSON representation of v.
//
// Strategy: marshal with encoding/json to honor struct tags, NFC-normalize
// string leaves, then run the result through the JCS transform which sorts
// keys, strips insignificant whitespace, and renders numbers in their
// minimal canonical decimal form.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}

	normalized, err := json.Marshal(normalizeStrings(generic))
	if err != nil {
		return nil, fmt.Errorf("canonical: re-marshal failed: %w", err)
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// MustHash is Hash for values that are known to be JSON-encodable; it panics
// otherwise. Use only on values the caller constructed.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashStrings hashes the plain concatenation of its parts. Chain hashes and
// checkpoint hashes use this with hex-string inputs, which keeps the fold
// unambiguous without a separator.
func HashStrings(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ToValue converts any JSON-encodable value into generic JSON form
// (map[string]any / []any / json.Number / string / bool / nil) by a
// canonical round trip. The result shares no memory with the input.
func ToValue(v any) (any, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: decode failed: %w", err)
	}
	return out, nil
}

// ToMap is ToValue for values whose canonical form is a JSON object.
func ToMap(v any) (map[string]any, error) {
	val, err := ToValue(v)
	if err != nil {
		return nil, err
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("canonical: value is %T, not an object", val)
	}
	return m, nil
}

// Clone deep-copies a generic JSON value. Idempotency replay depends on
// stored results never sharing references with live state.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

func normalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[norm.NFC.String(k)] = normalizeStrings(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeStrings(e)
		}
		return out
	default:
		return v
	}
}
