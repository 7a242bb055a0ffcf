package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Key is the canonical identity of a cached result: an endpoint name plus
// the canonical serialization of its argument value. Structurally equal
// argument values always produce the same Key, regardless of map iteration
// order or whether the caller passed a struct or an equivalent map.
//
// Key is comparable and safe to use as a map key.
type Key struct {
	// Endpoint is the unique endpoint name.
	Endpoint string

	// Args is the canonical JSON serialization of the argument value,
	// with recursively sorted object keys.
	Args string
}

// NewKey derives the cache key for an endpoint invocation.
// Arbitrary Go values are normalized through a JSON round-trip before
// canonicalization, so a struct and its equivalent map collide to the
// same key.
func NewKey(endpointName string, args any) (Key, error) {
	if endpointName == "" {
		return Key{}, ErrInvalidKey
	}

	normalized, err := normalize(args)
	if err != nil {
		return Key{}, fmt.Errorf("cache: failed to normalize args: %w", err)
	}

	canonical, err := canonicalize(normalized)
	if err != nil {
		return Key{}, fmt.Errorf("cache: failed to canonicalize args: %w", err)
	}

	return Key{Endpoint: endpointName, Args: string(canonical)}, nil
}

// IsZero reports whether the key is the zero value.
func (k Key) IsZero() bool {
	return k.Endpoint == "" && k.Args == ""
}

// String returns a compact identity suitable for logging and for
// deduplication group keys.
// Format: <endpoint>:<hash> where hash is the first 16 hex characters of
// SHA-256(canonical args).
func (k Key) String() string {
	hash := sha256.Sum256([]byte(k.Args))
	return k.Endpoint + ":" + hex.EncodeToString(hash[:8])
}

// normalize reduces an arbitrary Go value to the JSON data model
// (map[string]any, []any, string, float64, bool, nil) via a marshal
// round-trip. Values already in that model pass through a round-trip too
// so numeric types unify.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// canonicalize produces a deterministic JSON representation of the input.
// Maps are sorted by key to ensure consistent ordering.
func canonicalize(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	switch val := v.(type) {
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		return canonicalizeSlice(val)
	default:
		return json.Marshal(v)
	}
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []byte("{")
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, '}')

	return result, nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	result := []byte("[")
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}

		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	result = append(result, ']')

	return result, nil
}
