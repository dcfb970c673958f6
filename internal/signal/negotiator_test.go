package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mockmate/callkit/internal/store"
	"github.com/mockmate/callkit/internal/util"
)

// fakePeer implements PeerLink without touching any transport.
type fakePeer struct {
	mu         sync.Mutex
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	connCB     func(webrtc.PeerConnectionState)
	closed     bool
}

func (f *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake offer"}, nil
}

func (f *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake answer"}, nil
}

func (f *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = append(f.local, d)
	return nil
}

func (f *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, d)
	return nil
}

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePeer) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (f *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.connCB = fn
	f.mu.Unlock()
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remote)
}

func (f *fakePeer) connect() {
	f.mu.Lock()
	cb := f.connCB
	f.mu.Unlock()
	if cb != nil {
		cb(webrtc.PeerConnectionStateConnected)
	}
}

func waitEvent(t *testing.T, ch <-chan ConnectionEvent, match func(ConnectionEvent) bool) ConnectionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatal("event stream closed")
			}
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestJoinEmptySessionBecomesOfferer(t *testing.T) {
	st := store.NewMemory()
	pc := &fakePeer{}
	n := NewNegotiator(st, pc, "alice", "bob", 0)
	defer n.Close()

	events, err := n.Join(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n.Role() != RoleOfferer {
		t.Fatalf("role=%s, want offerer", n.Role())
	}
	waitEvent(t, events, func(e ConnectionEvent) bool { return e.State == OfferPosted })

	snap, _ := st.Get(context.Background(), SignalsPath(n.Key()))
	var rec SessionRecord
	if ok, err := snap.Decode(&rec); !ok || err != nil {
		t.Fatalf("decode record: ok=%v err=%v", ok, err)
	}
	if rec.OffererID != "alice" || rec.Offer == nil || rec.Offer.Sender != "alice" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.State != OfferPosted.String() {
		t.Fatalf("state=%q, want %q", rec.State, OfferPosted.String())
	}
}

func TestConcurrentJoinYieldsExactlyOneOfferer(t *testing.T) {
	st := store.NewMemory()
	pcA, pcB := &fakePeer{}, &fakePeer{}
	a := NewNegotiator(st, pcA, "alice", "bob", 0)
	b := NewNegotiator(st, pcB, "bob", "alice", 0)
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = a.Join(context.Background()) }()
	go func() { defer wg.Done(); _, errs[1] = b.Join(context.Background()) }()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}

	offerers := 0
	if a.Role() == RoleOfferer {
		offerers++
	}
	if b.Role() == RoleOfferer {
		offerers++
	}
	if offerers != 1 {
		t.Fatalf("got %d offerers, want exactly 1 (a=%s b=%s)", offerers, a.Role(), b.Role())
	}

	snap, _ := st.Get(context.Background(), SignalsPath(a.Key()))
	var rec SessionRecord
	snap.Decode(&rec)
	if rec.OffererID == "" || rec.AnswererID == "" || rec.OffererID == rec.AnswererID {
		t.Fatalf("record roles wrong: %+v", rec)
	}
}

func TestAnswerFlowReachesConnected(t *testing.T) {
	st := store.NewMemory()
	pcA, pcB := &fakePeer{}, &fakePeer{}
	a := NewNegotiator(st, pcA, "alice", "bob", 0)
	b := NewNegotiator(st, pcB, "bob", "alice", 0)
	defer a.Close()
	defer b.Close()

	eventsA, err := a.Join(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	eventsB, err := b.Join(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b.Role() != RoleAnswerer {
		t.Fatalf("b role=%s, want answerer", b.Role())
	}

	// The offerer observes the posted answer and applies it.
	waitEvent(t, eventsA, func(e ConnectionEvent) bool { return e.State == AnswerPosted })
	if pcA.remoteCount() != 1 {
		t.Fatalf("offerer applied %d remote descriptions, want 1", pcA.remoteCount())
	}

	// Connected comes from the transport, not the store.
	pcA.connect()
	pcB.connect()
	waitEvent(t, eventsA, func(e ConnectionEvent) bool { return e.State == Connected })
	waitEvent(t, eventsB, func(e ConnectionEvent) bool { return e.State == Connected })
}

func TestJoinMalformedRecordFails(t *testing.T) {
	st := store.NewMemory()
	key := util.ConversationKey("alice", "bob")
	st.Publish(context.Background(), SignalsPath(key), map[string]any{"state": "offer_posted"})

	n := NewNegotiator(st, &fakePeer{}, "alice", "bob", 0)
	defer n.Close()
	if _, err := n.Join(context.Background()); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("err=%v, want ErrNegotiation", err)
	}
}

func TestNegotiationTimeout(t *testing.T) {
	st := store.NewMemory()
	n := NewNegotiator(st, &fakePeer{}, "alice", "bob", 50*time.Millisecond)
	defer n.Close()

	events, err := n.Join(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	e := waitEvent(t, events, func(e ConnectionEvent) bool { return e.Err != nil })
	if !errors.Is(e.Err, ErrNegotiationTimeout) {
		t.Fatalf("err=%v, want ErrNegotiationTimeout", e.Err)
	}
}

func TestAnswerFromThirdIdentityRejected(t *testing.T) {
	st := store.NewMemory()
	pc := &fakePeer{}
	n := NewNegotiator(st, pc, "alice", "bob", 0)
	defer n.Close()

	events, err := n.Join(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, func(e ConnectionEvent) bool { return e.State == OfferPosted })

	// A third identity forges an answer onto the shared record.
	st.Update(context.Background(), SignalsPath(n.Key()), map[string]any{
		"state":      AnswerPosted.String(),
		"answererId": "mallory",
		"answer":     Description{Type: "answer", SDP: "v=0 forged", Sender: "mallory"},
	})

	e := waitEvent(t, events, func(e ConnectionEvent) bool { return e.Err != nil })
	if !errors.Is(e.Err, ErrUnauthorized) {
		t.Fatalf("err=%v, want ErrUnauthorized", e.Err)
	}
	if pc.remoteCount() != 0 {
		t.Fatal("forged answer must not reach the peer link")
	}
}

func TestRejoinOffererAppliesExistingAnswer(t *testing.T) {
	st := store.NewMemory()
	key := util.ConversationKey("alice", "bob")
	st.Publish(context.Background(), SignalsPath(key), SessionRecord{
		State:      AnswerPosted.String(),
		OffererID:  "alice",
		AnswererID: "bob",
		Offer:      &Description{Type: "offer", SDP: "v=0 offer", Sender: "alice"},
		Answer:     &Description{Type: "answer", SDP: "v=0 answer", Sender: "bob"},
	})

	pc := &fakePeer{}
	n := NewNegotiator(st, pc, "alice", "bob", 0)
	defer n.Close()
	if _, err := n.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n.Role() != RoleOfferer {
		t.Fatalf("role=%s, want offerer", n.Role())
	}
	if pc.remoteCount() != 1 {
		t.Fatalf("rejoin applied %d remote descriptions, want 1", pc.remoteCount())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	pc := &fakePeer{}
	n := NewNegotiator(st, pc, "alice", "bob", 0)
	if _, err := n.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	if n.State() != Terminated {
		t.Fatalf("state=%s, want terminated", n.State())
	}
	if !pc.closed {
		t.Fatal("peer link not closed")
	}
}
