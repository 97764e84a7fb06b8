// Package realtime is a path-addressed JSON record store with live value
// subscriptions. Call signaling runs on top of it: one mutable record per
// call, watched by both peers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

var (
	ErrInvalidPath    = errors.New("realtime: invalid path")
	ErrClosed         = errors.New("realtime: store closed")
	ErrTimeout        = errors.New("realtime: request not acknowledged")
	ErrTooManyRetries = errors.New("realtime: transaction retries exhausted")
)

// TxFunc computes the next value at a path from its current snapshot.
// Returning ok=false aborts the transaction without writing.
type TxFunc func(current Snapshot) (next any, ok bool)

// Store is a realtime record store.
type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	// Update merges fields into the object at path. A nil field value removes it.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Push appends value under path with a new chronologically ordered key.
	Push(ctx context.Context, path string, value any) (string, error)
	Remove(ctx context.Context, path string) error
	// Transaction atomically replaces the value at path with fn's result,
	// retrying if the value changed concurrently.
	Transaction(ctx context.Context, path string, fn TxFunc) (bool, Snapshot, error)
	// Watch delivers the value at path now and after every change to it.
	Watch(path string, fn func(Snapshot, error)) (cancel func())
}

// Snapshot is the JSON value stored at a path. Value holds only
// map[string]any, []any, string, float64, bool or nil.
type Snapshot struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func (s Snapshot) Exists() bool { return s.Value != nil }

// Decode converts the snapshot value into v.
func (s Snapshot) Decode(v any) error {
	b, err := json.Marshal(s.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Child returns the snapshot of a direct child.
func (s Snapshot) Child(name string) Snapshot {
	p := name
	if s.Path != "" {
		p = s.Path + "/" + name
	}
	m, _ := s.Value.(map[string]any)
	return Snapshot{Path: p, Value: m[name]}
}

// Keys returns the sorted child keys of an object value.
func (s Snapshot) Keys() []string {
	m, _ := s.Value.(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Join builds a path from segments.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// normalize converts an arbitrary Go value into its JSON value form.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return prune(out), nil
}

// prune drops nulls and empty objects, which are indistinguishable from
// absent values.
func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, c := range t {
			if c = prune(c); c == nil {
				delete(t, k)
			} else {
				t[k] = c
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		if len(t) == 0 {
			return nil
		}
		for i := range t {
			t[i] = prune(t[i])
		}
		return t
	default:
		return v
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = deepCopy(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = deepCopy(c)
		}
		return out
	default:
		return v
	}
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// related reports whether a write at w can change the value watched at p.
func related(p, w []string) bool {
	n := len(p)
	if len(w) < n {
		n = len(w)
	}
	for i := 0; i < n; i++ {
		if p[i] != w[i] {
			return false
		}
	}
	return true
}
