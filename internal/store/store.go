// Package store defines the adapter surface over the external realtime
// state store that coordinates sessions, candidates and messages. It is
// the only surface the rest of callkit needs from the store — business
// logic never lives here.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrUnavailable reports that the store could not be reached. Callers
	// log it and abort the operation; teardown steps that do not depend on
	// the store still proceed.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrBadPath reports a malformed hierarchical path.
	ErrBadPath = errors.New("store: bad path")
)

// Snapshot is one observed value of a path. Absence is a distinct
// observable value (Exists=false), never an error.
type Snapshot struct {
	Path   string
	Value  json.RawMessage
	Exists bool
}

// Decode unmarshals the snapshot value into v. Returns false without
// touching v when the path is absent.
func (s Snapshot) Decode(v any) (bool, error) {
	if !s.Exists {
		return false, nil
	}
	return true, json.Unmarshal(s.Value, v)
}

// Adapter is the consumed interface over the external store.
//
// Subscriptions deliver the current value immediately on attach and on
// every subsequent change; within one path, delivery order matches write
// order. Across different paths no ordering is guaranteed. The returned
// cancel func is safe to call multiple times and from a different
// goroutine than the one draining the channel.
type Adapter interface {
	// Get reads the current value of a path once.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Publish replaces the value at path.
	Publish(ctx context.Context, path string, value any) error

	// Update merges patch into the object at path, one child per key.
	Update(ctx context.Context, path string, patch map[string]any) error

	// Remove deletes path and everything under it. Removing an absent
	// path is a no-op.
	Remove(ctx context.Context, path string) error

	// Push appends value under path with a store-generated child id and
	// returns that id.
	Push(ctx context.Context, path string, value any) (string, error)

	// CompareAndSetAbsent writes value at path only if the path is
	// currently absent, atomically. Returns true when the write won.
	CompareAndSetAbsent(ctx context.Context, path string, value any) (bool, error)

	Subscribe(path string) (<-chan Snapshot, func())
}

// Join builds a hierarchical path from segments, skipping empties.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, ErrBadPath
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, ErrBadPath
		}
	}
	return segs, nil
}
