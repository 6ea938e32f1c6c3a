// Package statestore is a namespaced key/value persistence layer for
// component state, the server-side analog of browser local storage. Writes
// deep-merge into the existing value instead of replacing it, and absence is
// an explicit tag: "no value" is always represented the same way, so a merge
// can never silently turn it into an ambiguous empty placeholder that
// downstream equality checks confuse with "empty but present".
package statestore

import (
	"context"
	"errors"
)

// DefaultQuotaBytes is the combined-size ceiling across all namespaces,
// matching the ~10 MB limit of the browser storage this layer mirrors.
const DefaultQuotaBytes = 10 << 20

// ErrNotFound is returned when a namespace/key pair has no value.
var ErrNotFound = errors.New("state entry not found")

// ErrQuotaExceeded is returned when a write would push the combined stored
// size past the quota. The write is not applied.
var ErrQuotaExceeded = errors.New("state store quota exceeded")

// Value is a JSON-shaped state tree.
type Value = map[string]any

// unsetTag marks explicit absence inside a Value. It survives JSON
// round-trips, so a stored tag still reads back as "unset".
const unsetTag = "$unset"

// Unset returns the explicit absence tag. Merging it over a key removes the
// key entirely; reading back then reports the key as missing, which is
// distinguishable from a genuinely empty-but-present value.
func Unset() Value {
	return Value{unsetTag: true}
}

// IsUnset reports whether v is the explicit absence tag.
func IsUnset(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	tag, ok := m[unsetTag]
	if !ok {
		return false
	}
	b, ok := tag.(bool)
	return ok && b
}

// Merge deep-merges patch into base and returns a new Value; neither input
// is mutated. Nested maps merge recursively, scalars and arrays replace, and
// a patch value of Unset() deletes the key. An empty map in the patch stays
// an empty map in the result: emptiness and absence never collapse into each
// other.
func Merge(base, patch Value) Value {
	out := make(Value, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if IsUnset(v) {
			delete(out, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if baseSub, ok := out[k].(map[string]any); ok {
				out[k] = Merge(baseSub, sub)
				continue
			}
			out[k] = Merge(Value{}, sub)
			continue
		}
		out[k] = v
	}
	return out
}

// Store is a namespaced persisted-state backend. No component may reach
// another component's entries except through its namespace.
type Store interface {
	// Get returns the value under namespace/key, or ErrNotFound.
	Get(ctx context.Context, namespace, key string) (Value, error)

	// Merge deep-merges patch into the stored value (missing value counts
	// as empty) and returns the result. The write respects the size quota.
	Merge(ctx context.Context, namespace, key string, patch Value) (Value, error)

	// Delete removes the value under namespace/key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// Keys lists the keys present in a namespace, sorted.
	Keys(ctx context.Context, namespace string) ([]string, error)
}
