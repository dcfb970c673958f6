package call

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/mockmate/callkit/internal/chat"
	"github.com/mockmate/callkit/internal/media"
	"github.com/mockmate/callkit/internal/signal"
	"github.com/mockmate/callkit/internal/store"
	"github.com/mockmate/callkit/internal/util"
)

// countingStore wraps an adapter and counts Remove calls per path.
type countingStore struct {
	store.Adapter
	mu      sync.Mutex
	removes map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{Adapter: store.NewMemory(), removes: make(map[string]int)}
}

func (c *countingStore) Remove(ctx context.Context, path string) error {
	c.mu.Lock()
	c.removes[path]++
	c.mu.Unlock()
	return c.Adapter.Remove(ctx, path)
}

func (c *countingStore) removed(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removes[path]
}

// quietLink is a transportless signal.PeerLink.
type quietLink struct{ closed bool }

func (q *quietLink) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}
func (q *quietLink) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}
func (q *quietLink) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (q *quietLink) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (q *quietLink) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }
func (q *quietLink) OnICECandidate(func(*webrtc.ICECandidate))            {}
func (q *quietLink) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (q *quietLink) Close() error {
	q.closed = true
	return nil
}

func testSession(t *testing.T, st store.Adapter) (*Session, *quietLink) {
	t.Helper()
	key := util.ConversationKey("alice", "bob")
	link := &quietLink{}
	sess := &Session{
		key:    key,
		selfID: "alice",
		peerID: "bob",
		st:     st,
		pipe:   &media.Pipeline{},
		chat:   chat.NewManager(st, key, "alice", "Alice", "bob", "Bob", nil),
		recent: util.NewRingBuffer[signal.ConnectionEvent](recentEvents),
		events: make(chan signal.ConnectionEvent, 16),
	}
	sess.relay = signal.NewRelay(st, key, "alice", "bob", link)
	sess.neg = signal.NewNegotiator(st, link, "alice", "bob", 0)
	sess.chat.Start()

	if _, err := sess.neg.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess.relay.Start(0)
	return sess, link
}

func TestEndRemovesSharedRecordsExactlyOnce(t *testing.T) {
	st := newCountingStore()
	sess, link := testSession(t, st)
	ctx := context.Background()

	// Session and candidate records exist before teardown.
	if err := sess.relay.Publish(ctx, webrtc.ICECandidateInit{Candidate: "candidate:1"}); err != nil {
		t.Fatal(err)
	}
	snap, _ := st.Get(ctx, signal.SignalsPath(sess.Key()))
	if !snap.Exists {
		t.Fatal("session record missing before end")
	}

	if err := sess.End(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sess.End(ctx); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{signal.SignalsPath(sess.Key()), signal.CandidatesRoot(sess.Key())} {
		if n := st.removed(path); n != 1 {
			t.Fatalf("%s removed %d times, want 1", path, n)
		}
		snap, _ := st.Get(ctx, path)
		if snap.Exists {
			t.Fatalf("%s still present after end", path)
		}
	}
	if !link.closed {
		t.Fatal("transport not closed")
	}
	if sess.State() != signal.Terminated {
		t.Fatalf("state = %s, want terminated", sess.State())
	}
}

func TestEndKeepsChatLog(t *testing.T) {
	st := store.NewMemory()
	sess, _ := testSession(t, st)
	ctx := context.Background()

	if err := sess.Chat().Send(ctx, "survives hangup"); err != nil {
		t.Fatal(err)
	}
	if err := sess.End(ctx); err != nil {
		t.Fatal(err)
	}

	// Hanging up removes signaling state, never the conversation log.
	snap, err := st.Get(ctx, chat.MessagesPath(sess.Key()))
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Exists {
		t.Fatal("chat log removed by session end")
	}
}
