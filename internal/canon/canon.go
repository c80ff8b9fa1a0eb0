// Package canon produces the canonical byte encodings that the ledger and
// blast box hash. Every hash in this system is computed over the output of
// this package, never over ad hoc json.Marshal calls, so that append and
// verify can never disagree about what a value means.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Marshal encodes v as RFC 8785 JSON Canonicalization Scheme text: object
// keys sorted, no insignificant whitespace, numbers in their shortest
// round-tripping form. v is first passed through encoding/json so that Go
// struct tags and map key sorting apply before JCS normalizes the result.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canon: jcs transform: %w", err)
	}
	return out, nil
}

// Time renders t as a fixed-precision RFC3339Nano string in UTC. Using a
// fixed format (rather than locale or platform-dependent textual forms)
// keeps event_hash reproducible across implementations.
func Time(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// Hash returns the lowercase hex SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and returns its hex SHA-256 digest.
func HashValue(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}
