package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Adapter implementation backed by a path tree.
// It gives the same observable contract as the remote store (immediate
// snapshot on subscribe, per-path write ordering, absence as a value, an
// atomic create-if-absent) so tests and the local demo run against it
// unchanged.
type Memory struct {
	mu        sync.Mutex
	root      *node
	listeners map[*listener]struct{}
	closed    bool
}

type node struct {
	value    json.RawMessage // leaf value; nil when children are set
	children map[string]*node
}

type listener struct {
	path string
	segs []string
	ch   chan Snapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		root:      &node{},
		listeners: make(map[*listener]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, path string) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(path, segs), nil
}

func (m *Memory) Publish(_ context.Context, path string, value any) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(segs, raw)
	m.notifyLocked(segs)
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, patch map[string]any) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range patch {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m.setLocked(append(append([]string{}, segs...), k), raw)
	}
	m.notifyLocked(segs)
	return nil
}

func (m *Memory) Remove(_ context.Context, path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := m.walkLocked(segs[:len(segs)-1], false)
	if parent == nil || parent.children == nil {
		return nil // already absent
	}
	if _, ok := parent.children[segs[len(segs)-1]]; !ok {
		return nil
	}
	delete(parent.children, segs[len(segs)-1])
	m.notifyLocked(segs)
	return nil
}

func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	id := uuid.NewString()
	if err := m.Publish(ctx, Join(path, id), value); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) CompareAndSetAbsent(_ context.Context, path string, value any) (bool, error) {
	segs, err := splitPath(path)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.walkLocked(segs, false); n != nil && (n.value != nil || len(n.children) > 0) {
		return false, nil
	}
	m.setLocked(segs, raw)
	m.notifyLocked(segs)
	return true, nil
}

func (m *Memory) Subscribe(path string) (<-chan Snapshot, func()) {
	segs, err := splitPath(path)
	if err != nil {
		ch := make(chan Snapshot)
		close(ch)
		return ch, func() {}
	}

	l := &listener{path: path, segs: segs, ch: make(chan Snapshot, 64)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(l.ch)
		return l.ch, func() {}
	}
	m.listeners[l] = struct{}{}
	l.ch <- m.snapshotLocked(path, segs) // current value, immediately on attach
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.listeners[l]; ok {
			delete(m.listeners, l)
			close(l.ch)
		}
		m.mu.Unlock()
	}
	return l.ch, cancel
}

// Close drops all listeners. Subsequent subscribes get a closed channel.
func (m *Memory) Close() {
	m.mu.Lock()
	for l := range m.listeners {
		close(l.ch)
	}
	m.listeners = make(map[*listener]struct{})
	m.closed = true
	m.mu.Unlock()
}

// walkLocked returns the node at segs, creating intermediate nodes when
// create is set. A leaf crossed on the way down is materialized into
// children so deeper writes merge instead of shadowing.
func (m *Memory) walkLocked(segs []string, create bool) *node {
	n := m.root
	for _, s := range segs {
		if n.value != nil {
			if !create {
				return nil
			}
			materialize(n)
		}
		child, ok := n.children[s]
		if !ok {
			if !create {
				return nil
			}
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			child = &node{}
			n.children[s] = child
		}
		n = child
	}
	return n
}

func (m *Memory) setLocked(segs []string, raw json.RawMessage) {
	n := m.walkLocked(segs, true)
	n.value = raw
	n.children = nil
}

// materialize splits a leaf object into child leaves. Non-object leaves
// are dropped; a deeper write overwrites them.
func materialize(n *node) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(n.value, &fields); err == nil {
		n.children = make(map[string]*node, len(fields))
		for k, v := range fields {
			n.children[k] = &node{value: v}
		}
	}
	n.value = nil
}

func (m *Memory) snapshotLocked(path string, segs []string) Snapshot {
	n := m.walkLocked(segs, false)
	if n == nil {
		return Snapshot{Path: path}
	}
	raw, ok := valueOf(n)
	if !ok {
		return Snapshot{Path: path}
	}
	return Snapshot{Path: path, Value: raw, Exists: true}
}

// valueOf renders a node subtree as JSON: a leaf's raw value, or an
// object keyed by child name.
func valueOf(n *node) (json.RawMessage, bool) {
	if n.value != nil {
		return n.value, true
	}
	if len(n.children) == 0 {
		return nil, false
	}
	obj := make(map[string]json.RawMessage, len(n.children))
	for k, c := range n.children {
		if v, ok := valueOf(c); ok {
			obj[k] = v
		}
	}
	if len(obj) == 0 {
		return nil, false
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// notifyLocked fans the snapshot at each related listener path out to its
// channel. A listener is related when its path is on the same root-to-leaf
// line as the mutated path.
func (m *Memory) notifyLocked(mutated []string) {
	for l := range m.listeners {
		if !related(l.segs, mutated) {
			continue
		}
		snap := m.snapshotLocked(l.path, l.segs)
		select {
		case l.ch <- snap:
		default:
			// Listener buffer full, drop. Consumers treat snapshots as
			// full-state replays, so the next one supersedes this.
		}
	}
}

func related(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ Adapter = (*Memory)(nil)
