package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mockmate/callkit/internal/store"
	"github.com/mockmate/callkit/internal/util"
)

// CandidateSink receives validated remote network candidates. Satisfied by
// PeerLink and by *webrtc.PeerConnection.
type CandidateSink interface {
	AddICECandidate(webrtc.ICECandidateInit) error
}

// Relay publishes locally generated network-traversal candidates under
// this participant's sub-path and consumes the peer's candidates exactly
// once each.
//
// The store replays the peer's full candidate set on every snapshot, so
// the relay keeps its own applied-set keyed by sequence number instead of
// trusting the store to suppress duplicates. Within one owner, candidates
// apply in ascending sequence order; gaps never block — candidate
// application does not have to be gapless. No ordering is assumed across
// owners.
type Relay struct {
	st      store.Adapter
	key     string
	ownerID string
	peerID  string
	sink    CandidateSink

	seq atomic.Int64 // outbound sequence, monotonic per owner

	mu      sync.Mutex
	applied map[int64]bool
	cancel  func()
	closed  bool

	firstOnce sync.Once
	first     chan struct{}
	done      chan struct{}
}

// NewRelay creates a relay for the candidate paths of key. ownerID is the
// local participant, peerID the remote owner whose path is consumed.
func NewRelay(st store.Adapter, key, ownerID, peerID string, sink CandidateSink) *Relay {
	return &Relay{
		st:      st,
		key:     key,
		ownerID: ownerID,
		peerID:  peerID,
		sink:    sink,
		applied: make(map[int64]bool),
		first:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the peer's candidate path and begins applying
// candidates. firstTimeout bounds the wait for the first remote candidate;
// expiry is logged, not fatal — the negotiator's own bounded wait decides
// when to give up. Zero selects the default.
func (r *Relay) Start(firstTimeout time.Duration) {
	if firstTimeout <= 0 {
		firstTimeout = util.DefaultCandidateTimeout
	}

	ch, cancel := r.st.Subscribe(CandidatesPath(r.key, r.peerID))
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		timer := time.NewTimer(firstTimeout)
		defer timer.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-r.first:
				return
			case <-timer.C:
				log.Warnf("RELAY [%s]: no candidate from %s after %s", r.key, r.peerID, firstTimeout)
				return
			}
		}
	}()

	go func() {
		for snap := range ch {
			if r.isClosed() {
				return
			}
			r.apply(snap)
		}
	}()
}

// Publish appends a locally generated candidate under the owner sub-path.
func (r *Relay) Publish(ctx context.Context, cand webrtc.ICECandidateInit) error {
	seq := r.seq.Add(1)
	path := store.Join(CandidatesPath(r.key, r.ownerID), strconv.FormatInt(seq, 10))
	if err := r.st.Publish(ctx, path, cand); err != nil {
		return fmt.Errorf("publish candidate %d: %w", seq, err)
	}
	return nil
}

// First is closed once the first remote candidate has been applied.
func (r *Relay) First() <-chan struct{} { return r.first }

// Applied returns how many distinct remote candidates have been applied.
func (r *Relay) Applied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

// apply walks one full-set snapshot of the peer's candidates and feeds
// every not-yet-applied one to the sink, in ascending sequence order.
func (r *Relay) apply(snap store.Snapshot) {
	if !snap.Exists {
		return
	}
	var set map[string]json.RawMessage
	if err := json.Unmarshal(snap.Value, &set); err != nil {
		log.Warnf("RELAY [%s]: undecodable candidate set: %v", r.key, err)
		return
	}

	seqs := make([]int64, 0, len(set))
	bySeq := make(map[int64]json.RawMessage, len(set))
	for k, raw := range set {
		seq, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			log.Warnf("RELAY [%s]: skipping candidate with bad sequence %q", r.key, k)
			continue
		}
		seqs = append(seqs, seq)
		bySeq[seq] = raw
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		r.mu.Lock()
		if r.applied[seq] || r.closed {
			r.mu.Unlock()
			continue
		}
		r.applied[seq] = true
		r.mu.Unlock()

		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(bySeq[seq], &cand); err != nil {
			log.Warnf("RELAY [%s]: undecodable candidate %d: %v", r.key, seq, err)
			continue
		}
		if err := r.sink.AddICECandidate(cand); err != nil {
			log.Warnf("RELAY [%s]: apply candidate %d: %v", r.key, seq, err)
			continue
		}
		r.firstOnce.Do(func() { close(r.first) })
	}
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close detaches the subscription. Idempotent, callable from any
// goroutine — a racing in-flight notification is checked and dropped.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()

	close(r.done)
	if cancel != nil {
		cancel()
	}
}
