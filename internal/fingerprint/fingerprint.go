// Package fingerprint provides 128-bit content fingerprints used to detect
// whether an entity's canonical representation changed between analysis runs.
package fingerprint

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"
)

// Fingerprint is a 128-bit xxh3 content hash.
type Fingerprint [16]byte

// Zero is the absent fingerprint.
var Zero Fingerprint

// Of hashes raw bytes.
func Of(data []byte) Fingerprint {
	return Fingerprint(xxh3.Hash128(data).Bytes())
}

// OfStrings hashes a sequence of strings with length framing, so that
// ("ab", "c") and ("a", "bc") produce different fingerprints.
func OfStrings(parts []string) Fingerprint {
	h := xxh3.New()
	var frame [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(frame[:], uint64(len(p)))
		h.Write(frame[:])
		h.Write([]byte(p))
	}
	return Fingerprint(h.Sum128().Bytes())
}

// Combine joins fingerprints order-independently: the inputs are sorted
// before hashing, so duplicate definitions merged from different headers
// produce the same combined value regardless of discovery order.
func Combine(fps []Fingerprint) Fingerprint {
	if len(fps) == 1 {
		return fps[0]
	}
	sorted := make([]Fingerprint, len(fps))
	copy(sorted, fps)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	h := xxh3.New()
	for _, fp := range sorted {
		h.Write(fp[:])
	}
	return Fingerprint(h.Sum128().Bytes())
}

// Hex returns the lowercase hex encoding.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// FromHex parses a fingerprint previously encoded with Hex.
func FromHex(s string) (Fingerprint, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(b) != len(Zero) {
		return Zero, fmt.Errorf("decode fingerprint: want %d bytes, got %d", len(Zero), len(b))
	}
	var fp Fingerprint
	copy(fp[:], b)
	return fp, nil
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == Zero
}
