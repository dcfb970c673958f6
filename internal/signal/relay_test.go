package signal

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mockmate/callkit/internal/store"
	"github.com/mockmate/callkit/internal/util"
)

type recordingSink struct {
	mu    sync.Mutex
	cands []webrtc.ICECandidateInit
}

func (s *recordingSink) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	s.cands = append(s.cands, c)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) snapshot() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(s.cands))
	copy(out, s.cands)
	return out
}

func waitApplied(t *testing.T, r *Relay, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Applied() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("applied=%d, want %d", r.Applied(), want)
}

func TestRelayAppliesEachCandidateExactlyOnce(t *testing.T) {
	st := store.NewMemory()
	key := util.ConversationKey("alice", "bob")
	sink := &recordingSink{}

	// bob publishes, alice consumes.
	pub := NewRelay(st, key, "bob", "alice", &recordingSink{})
	sub := NewRelay(st, key, "alice", "bob", sink)
	defer pub.Close()
	defer sub.Close()

	sub.Start(time.Second)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := pub.Publish(ctx, webrtc.ICECandidateInit{Candidate: "candidate:" + strconv.Itoa(i)}); err != nil {
			t.Fatal(err)
		}
	}

	// Every publish re-delivers the full set; the applied-set must dedupe.
	waitApplied(t, sub, 3)
	time.Sleep(20 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 3 {
		t.Fatalf("sink received %d candidates, want 3: %v", len(got), got)
	}

	select {
	case <-sub.First():
	default:
		t.Fatal("First not signalled after candidates applied")
	}
}

func TestRelayToleratesSequenceGaps(t *testing.T) {
	st := store.NewMemory()
	key := util.ConversationKey("alice", "bob")
	ctx := context.Background()

	// Candidates 1, 2 and 5 exist; 3 and 4 are missing.
	for _, seq := range []string{"1", "2", "5"} {
		path := store.Join(CandidatesPath(key, "bob"), seq)
		st.Publish(ctx, path, webrtc.ICECandidateInit{Candidate: "candidate:" + seq})
	}

	sink := &recordingSink{}
	sub := NewRelay(st, key, "alice", "bob", sink)
	defer sub.Close()
	sub.Start(time.Second)

	waitApplied(t, sub, 3)
	got := sink.snapshot()
	if len(got) != 3 {
		t.Fatalf("sink received %d candidates, want 3", len(got))
	}
	// Ascending within the owner's sequence.
	want := []string{"candidate:1", "candidate:2", "candidate:5"}
	for i, c := range got {
		if c.Candidate != want[i] {
			t.Fatalf("candidate %d = %q, want %q", i, c.Candidate, want[i])
		}
	}
}

func TestRelaySubscriptionReplayDoesNotReapply(t *testing.T) {
	st := store.NewMemory()
	key := util.ConversationKey("alice", "bob")
	ctx := context.Background()
	sink := &recordingSink{}

	pub := NewRelay(st, key, "bob", "alice", &recordingSink{})
	sub := NewRelay(st, key, "alice", "bob", sink)
	defer pub.Close()
	defer sub.Close()
	sub.Start(time.Second)

	for i := 0; i < 2; i++ {
		pub.Publish(ctx, webrtc.ICECandidateInit{Candidate: "candidate:" + strconv.Itoa(i)})
	}
	waitApplied(t, sub, 2)

	// Simulate a reconnect: feed the full current set straight back in.
	snap, _ := st.Get(ctx, CandidatesPath(key, "bob"))
	sub.apply(snap)
	sub.apply(snap)

	if got := sink.snapshot(); len(got) != 2 {
		t.Fatalf("replay re-applied candidates: got %d, want 2", len(got))
	}
}

func TestRelayCloseIdempotent(t *testing.T) {
	st := store.NewMemory()
	sub := NewRelay(st, "k", "alice", "bob", &recordingSink{})
	sub.Start(time.Second)
	sub.Close()
	sub.Close()
}
