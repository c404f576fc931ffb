// Package tagmap loads and hot-reloads the label→tag-id mapping.
//
// The mapping lives in a JSON file shaped as an object of strings. It maps
// free-form task labels and the reserved status names (open, closed, ...)
// to the remote platform's tag ids.
package tagmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrInvalidFormat is returned by ReloadInPlace when the source is not an
// object of strings.
var ErrInvalidFormat = errors.New("tagmap: invalid format, expected object of strings")

// TagMap is a label→tag-id mapping with atomic reload semantics.
//
// Readers take a Snapshot before use; the reload path builds a fully
// validated replacement map and swaps it in one step, so readers never
// observe a partially updated mapping.
type TagMap struct {
	mu      sync.RWMutex
	mapping map[string]string
}

// New creates an empty TagMap.
func New() *TagMap {
	return &TagMap{mapping: make(map[string]string)}
}

// Load reads the mapping at path leniently: a missing or malformed file
// yields an empty map, never an error. Boot-time absence of the config is
// expected and must not abort startup.
func Load(path string) *TagMap {
	tm := New()
	mapping, err := parseFile(path)
	if err != nil {
		return tm
	}
	tm.mapping = mapping
	return tm
}

// ReloadInPlace replaces the mapping from path. It is strict: any read or
// shape failure returns an error and leaves the existing mapping untouched.
// On success the mapping's keys and values are fully replaced atomically
// and the new key count is returned.
func (tm *TagMap) ReloadInPlace(path string) (int, error) {
	mapping, err := parseFile(path)
	if err != nil {
		return 0, err
	}

	tm.mu.Lock()
	tm.mapping = mapping
	tm.mu.Unlock()
	return len(mapping), nil
}

// Get returns the tag id for a label.
func (tm *TagMap) Get(label string) (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	id, ok := tm.mapping[label]
	return id, ok
}

// Len returns the number of mapped labels.
func (tm *TagMap) Len() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.mapping)
}

// Snapshot returns a copy of the mapping. Each reconciliation run works
// from one snapshot so a concurrent reload cannot mutate it mid-run.
func (tm *TagMap) Snapshot() map[string]string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make(map[string]string, len(tm.mapping))
	for k, v := range tm.mapping {
		out[k] = v
	}
	return out
}

// parseFile reads and validates an object-of-strings JSON file. The whole
// payload is validated before anything is returned, so a failure cannot
// leave a caller with half a mapping.
func parseFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag map %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, path)
	}

	mapping := make(map[string]string, len(raw))
	for key, value := range raw {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return nil, fmt.Errorf("%w: key %q has non-string value", ErrInvalidFormat, key)
		}
		mapping[key] = s
	}
	return mapping, nil
}
