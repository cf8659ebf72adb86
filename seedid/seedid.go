// Package seedid derives stable seeds and content-addressable identifiers
// from specification state.
//
// The contract is strict: identical canonical bytes produce identical seeds
// on every process and machine, which is what makes generation requests
// reproducible. A modification never re-derives its seed; it inherits the
// baseline's.
package seedid

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// HashPrefix marks digests produced by this package. Stored alongside blobs
// so a future digest migration can coexist with old rows.
const HashPrefix = "b2:"

// seedMask limits seeds to the 32-bit range diffusion services accept.
const seedMask = 0xFFFF_FFFF

// DeriveSeed derives a stable seed from canonical specification bytes.
// Same bytes always yield the same seed, across processes and machines.
func DeriveSeed(canonical []byte) int64 {
	sum := blake2b.Sum256(canonical)
	return int64(binary.BigEndian.Uint64(sum[:8]) & seedMask)
}

// ContentHash computes the content digest of bytes, used both as a CAS
// reference and as an integrity check when loading stored artifacts.
func ContentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// VerifyContent reports whether data still matches a previously computed
// digest.
func VerifyContent(data []byte, digest string) bool {
	return ContentHash(data) == digest
}

// Canonicalize serialises v into canonical JSON bytes: object keys sorted,
// no insignificant whitespace, numbers rendered verbatim. Two semantically
// equal values always canonicalise to the same bytes, which is the input
// contract of DeriveSeed.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("seedid: marshal: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, json.RawMessage(raw)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeCanonical re-emits raw JSON with sorted object keys. Numbers are
// passed through as json.Number to avoid float64 round-trip drift.
func writeCanonical(buf *bytes.Buffer, raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("seedid: decode: %w", err)
	}
	return writeValue(buf, v)
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(val.String())
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
