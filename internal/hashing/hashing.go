// Package hashing implements the Key Hasher and Deep Structural Hash
// collaborators named in spec §6, grounded on the teacher's
// internal/idgen hash-ID generator (sha256 over a canonical content
// string, hex/base36 encoded).
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/datajoint/populate/internal/types"
)

// KeyHash returns the 32-character hex digest of a canonically
// serialized key, per spec §6: "a 32-character hex digest from a
// standard cryptographic hash over a canonical serialization."
func KeyHash(h types.Heading, key types.Key) (string, error) {
	canon, err := key.Canonicalize(h)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize key: %w", err)
	}
	sum := sha256.Sum256([]byte(canonicalString(h, canon)))
	return hex.EncodeToString(sum[:])[:32], nil
}

func canonicalString(h types.Heading, values []any) string {
	s := ""
	for i, attr := range h {
		s += fmt.Sprintf("%s=%v;", attr, values[i])
	}
	return s
}

// DeepHash computes a structural, order-preserving hash over an
// arbitrary nested value (maps, slices, scalars, []byte), per spec
// §6. Sequences hash order-sensitively; maps hash order-insensitively
// (keys are sorted before hashing so two maps built in different
// insertion order hash identically).
func DeepHash(v any) string {
	h := sha256.New()
	writeDeep(h, v)
	return hex.EncodeToString(h.Sum(nil))
}

func writeDeep(h interface{ Write([]byte) (int, error) }, v any) {
	switch x := v.(type) {
	case nil:
		_, _ = h.Write([]byte("nil"))
	case []byte:
		_, _ = h.Write([]byte("bytes:"))
		_, _ = h.Write(x)
	case string:
		_, _ = h.Write([]byte("str:" + x))
	case map[string]any:
		_, _ = h.Write([]byte("map{"))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = h.Write([]byte(k + ":"))
			writeDeep(h, x[k])
		}
		_, _ = h.Write([]byte("}"))
	case types.Key:
		writeDeep(h, map[string]any(x))
	case []any:
		_, _ = h.Write([]byte("seq["))
		for _, item := range x {
			writeDeep(h, item)
		}
		_, _ = h.Write([]byte("]"))
	case []types.Key:
		seq := make([]any, len(x))
		for i, k := range x {
			seq[i] = k
		}
		writeDeep(h, seq)
	default:
		_, _ = h.Write([]byte(fmt.Sprintf("scalar:%v", x)))
	}
}
