// Package types holds the data model shared across the populate engine:
// keys, target table declarations, and job registry records.
package types

import (
	"fmt"
	"sort"
)

// Heading is an ordered list of attribute names, typically a table's
// declared primary-key order. Canonicalization of a Key is always
// performed against a Heading so that two keys built from the same
// attributes compare and hash identically regardless of how they were
// constructed.
type Heading []string

// Key is a mapping from primary-key attribute name to value. Values are
// whatever Go type the relational collaborator returns for that column
// (int64, string, float64, []byte, time.Time, ...).
type Key map[string]any

// Clone returns a shallow copy of the key.
func (k Key) Clone() Key {
	out := make(Key, len(k))
	for a, v := range k {
		out[a] = v
	}
	return out
}

// Canonicalize returns the key's values in the declared Heading order,
// erroring if the key is missing an attribute the heading requires.
// Per spec §3, canonicalization = "attribute order = declared
// primary-key order; values normalized per attribute type" and two
// keys are equal iff their canonicalized forms are equal.
func (k Key) Canonicalize(h Heading) ([]any, error) {
	out := make([]any, len(h))
	for i, attr := range h {
		v, ok := k[attr]
		if !ok {
			return nil, fmt.Errorf("key missing primary-key attribute %q", attr)
		}
		out[i] = normalizeValue(v)
	}
	return out, nil
}

// normalizeValue collapses equivalent numeric representations (the
// relational collaborator may hand back int, int64, or uint64 for the
// same integer column depending on driver) so that canonical forms
// compare equal across call sites.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	default:
		return x
	}
}

// Equal reports whether two keys are canonically equal under the given
// heading.
func Equal(h Heading, a, b Key) bool {
	ca, errA := a.Canonicalize(h)
	cb, errB := b.Canonicalize(h)
	if errA != nil || errB != nil {
		return false
	}
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		if fmt.Sprint(ca[i]) != fmt.Sprint(cb[i]) {
			return false
		}
	}
	return true
}

// SortedAttributes returns the key's attribute names sorted, useful for
// deterministic iteration in tests and logging.
func (k Key) SortedAttributes() []string {
	attrs := make([]string, 0, len(k))
	for a := range k {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)
	return attrs
}
