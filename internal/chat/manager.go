// Package chat keeps the two-party message log consistent across both
// participants. All state lives in the shared store under the
// conversation's message path; this manager only decides what may be
// written and how the log is ordered for display.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mockmate/callkit/internal/store"
)

var log = logging.Logger("chat")

var (
	// ErrUnauthorized reports a mutation the caller does not own: editing
	// or fully deleting another participant's message, or opening the
	// action menu on one.
	ErrUnauthorized = errors.New("chat: not the message sender")

	// ErrMessageNotFound reports a mutation against a message that no
	// longer exists in the store.
	ErrMessageNotFound = errors.New("chat: message not found")

	// ErrEmptyMessage reports a send or edit with no visible content.
	ErrEmptyMessage = errors.New("chat: empty message")
)

// MessagesPath returns the store path of a conversation's message log.
func MessagesPath(key string) string {
	return store.Join("chats", key, "messages")
}

// Manager owns one participant's view of a conversation log.
type Manager struct {
	st       store.Adapter
	key      string
	selfID   string
	selfName string
	peerID   string
	peerName string
	history  *History // optional local cache, may be nil

	now func() int64

	mu        sync.Mutex
	lastTS    int64 // last issued send timestamp, enforced monotonic
	current   []Message
	listeners map[int]chan []Message
	nextID    int
	menuFor   string
	cancel    func()
	closed    bool
}

// NewManager creates a manager for the conversation key between selfID and
// peerID. history may be nil to skip the local cache.
func NewManager(st store.Adapter, key, selfID, selfName, peerID, peerName string, history *History) *Manager {
	return &Manager{
		st:        st,
		key:       key,
		selfID:    selfID,
		selfName:  selfName,
		peerID:    peerID,
		peerName:  peerName,
		history:   history,
		now:       func() int64 { return time.Now().UnixMilli() },
		listeners: make(map[int]chan []Message),
	}
}

// Start subscribes to the conversation's message path. Each store snapshot
// replaces the full in-memory log; listeners always receive the complete
// ordered timeline, never deltas.
func (m *Manager) Start() {
	ch, cancel := m.st.Subscribe(MessagesPath(m.key))
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		for snap := range ch {
			m.onSnapshot(snap)
		}
	}()
}

// Send appends a message to the log. Timestamps are unix milliseconds and
// strictly increase per sender, so two rapid sends can never tie with each
// other and flip order between viewers.
func (m *Manager) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	ts, err := m.nextTimestamp()
	if err != nil {
		return err
	}

	msg := Message{
		ID:           uuid.NewString(),
		Text:         text,
		SenderID:     m.selfID,
		SenderName:   m.selfName,
		ReceiverID:   m.peerID,
		ReceiverName: m.peerName,
		Timestamp:    ts,
	}
	path := store.Join(MessagesPath(m.key), msg.ID)
	if err := m.st.Publish(ctx, path, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	log.Debugf("CHAT [%s]: sent %s", m.key, msg.ID)
	return nil
}

// Edit replaces the text of one of the caller's own messages and stamps
// the edit with a fresh timestamp, so an edited message moves to its edit
// time in the timeline. Concurrent edits of the same message resolve
// last-write-wins by timestamp; no merge is attempted.
func (m *Manager) Edit(ctx context.Context, msgID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	msg, err := m.fetch(ctx, msgID)
	if err != nil {
		return err
	}
	if msg.SenderID != m.selfID {
		return fmt.Errorf("edit %s: %w", msgID, ErrUnauthorized)
	}
	ts, err := m.nextTimestamp()
	if err != nil {
		return err
	}
	path := store.Join(MessagesPath(m.key), msgID)
	patch := map[string]any{"text": text, "edited": true, "timestamp": ts}
	if err := m.st.Update(ctx, path, patch); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// nextTimestamp issues a unix-millisecond write timestamp that strictly
// increases per participant, so rapid writes never tie and flip order
// between viewers.
func (m *Manager) nextTimestamp() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("chat: manager closed")
	}
	ts := m.now()
	if ts <= m.lastTS {
		ts = m.lastTS + 1
	}
	m.lastTS = ts
	return ts, nil
}

// Delete removes a message at the requested scope. DeleteForBoth erases
// the record for everyone and is restricted to the sender. DeleteForSelf
// only marks the record in its deletedFor map — each participant's
// deletion is a separate key, so neither can clobber the other's.
func (m *Manager) Delete(ctx context.Context, msgID string, scope DeleteScope) error {
	msg, err := m.fetch(ctx, msgID)
	if err != nil {
		return err
	}
	path := store.Join(MessagesPath(m.key), msgID)

	switch scope {
	case DeleteForBoth:
		if msg.SenderID != m.selfID {
			return fmt.Errorf("delete %s: %w", msgID, ErrUnauthorized)
		}
		if err := m.st.Remove(ctx, path); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
	case DeleteForSelf:
		patch := map[string]any{m.selfID: true}
		if err := m.st.Update(ctx, store.Join(path, "deletedFor"), patch); err != nil {
			return fmt.Errorf("hide message: %w", err)
		}
	default:
		return fmt.Errorf("delete %s: unknown scope %d", msgID, scope)
	}
	return nil
}

// RequestActionMenu opens the edit/delete menu for one of the caller's own
// messages. At most one menu is open at a time; opening a second one
// replaces the first. Menu state is local and never persisted.
func (m *Manager) RequestActionMenu(ctx context.Context, msgID string) error {
	msg, err := m.fetch(ctx, msgID)
	if err != nil {
		return err
	}
	if msg.SenderID != m.selfID {
		return fmt.Errorf("action menu for %s: %w", msgID, ErrUnauthorized)
	}
	m.mu.Lock()
	m.menuFor = msgID
	m.mu.Unlock()
	return nil
}

// DismissActionMenu closes any open action menu. Safe when none is open.
func (m *Manager) DismissActionMenu() {
	m.mu.Lock()
	m.menuFor = ""
	m.mu.Unlock()
}

// ActionMenu returns the ID of the message with an open menu, or "".
func (m *Manager) ActionMenu() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.menuFor
}

// Messages returns the caller's current view of the timeline: total
// (timestamp, id) order with the caller's self-deleted messages
// tombstoned.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

// Subscribe streams the full ordered timeline after every change. The
// returned cancel is idempotent.
func (m *Manager) Subscribe() (<-chan []Message, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan []Message, 8)
	m.listeners[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if l, ok := m.listeners[id]; ok {
				delete(m.listeners, id)
				close(l)
			}
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

// Close detaches the subscription and closes all listener channels.
// Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	for id, ch := range m.listeners {
		delete(m.listeners, id)
		close(ch)
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) fetch(ctx context.Context, msgID string) (Message, error) {
	snap, err := m.st.Get(ctx, store.Join(MessagesPath(m.key), msgID))
	if err != nil {
		return Message{}, fmt.Errorf("fetch message: %w", err)
	}
	var msg Message
	ok, err := snap.Decode(&msg)
	if err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", msgID, err)
	}
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
	}
	msg.ID = msgID
	return msg, nil
}

func (m *Manager) onSnapshot(snap store.Snapshot) {
	var set map[string]json.RawMessage
	if snap.Exists {
		if err := json.Unmarshal(snap.Value, &set); err != nil {
			log.Warnf("CHAT [%s]: undecodable message set: %v", m.key, err)
			return
		}
	}

	msgs := make([]Message, 0, len(set))
	for id, raw := range set {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warnf("CHAT [%s]: skipping undecodable message %s: %v", m.key, id, err)
			continue
		}
		// The path key is authoritative for identity.
		msg.ID = id
		msgs = append(msgs, msg)
	}
	SortTimeline(msgs)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.current = msgs
	// A full-record delete also dismisses a menu that pointed at it.
	if m.menuFor != "" && !containsID(msgs, m.menuFor) {
		m.menuFor = ""
	}
	view := m.viewLocked()
	for _, ch := range m.listeners {
		select {
		case ch <- view:
		default:
		}
	}
	m.mu.Unlock()

	if m.history != nil {
		if err := m.history.ReplaceConversation(m.key, msgs); err != nil {
			log.Warnf("CHAT [%s]: history cache: %v", m.key, err)
		}
	}
}

// viewLocked renders the timeline for the local participant. Caller holds mu.
func (m *Manager) viewLocked() []Message {
	out := make([]Message, len(m.current))
	for i, msg := range m.current {
		out[i] = msg.ViewFor(m.selfID)
	}
	return out
}

func containsID(msgs []Message, id string) bool {
	for _, msg := range msgs {
		if msg.ID == id {
			return true
		}
	}
	return false
}
