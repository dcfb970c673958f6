package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/mockmate/callkit/internal/store"
	"github.com/mockmate/callkit/internal/util"
)

var log = logging.Logger("signal")

// Negotiator resolves the offerer/answerer role for one session, exchanges
// descriptions through the store, and drives the session state machine.
//
// Role resolution is a single read followed by an atomic create-if-absent:
// when two participants join a blank session inside the same race window,
// the store's compare-and-set guarantees exactly one of them becomes the
// offerer and the loser demotes itself to answerer. There is no
// last-writer-wins fallback.
type Negotiator struct {
	st      store.Adapter
	pc      PeerLink
	selfID  string
	peerID  string
	key     string
	timeout time.Duration

	mu    sync.Mutex
	state State
	role  Role

	events chan ConnectionEvent
	connCh chan webrtc.PeerConnectionState
	snapCh <-chan store.Snapshot
	cancel func()
	done   chan struct{}
	closed bool

	answerApplied bool
}

// NewNegotiator creates a negotiator for the session shared by selfID and
// peerID. timeout bounds how long a join may sit without reaching
// Connected before an ErrNegotiationTimeout event is emitted; zero selects
// the default.
func NewNegotiator(st store.Adapter, pc PeerLink, selfID, peerID string, timeout time.Duration) *Negotiator {
	if timeout <= 0 {
		timeout = util.DefaultNegotiationTimeout
	}
	return &Negotiator{
		st:      st,
		pc:      pc,
		selfID:  selfID,
		peerID:  peerID,
		key:     util.ConversationKey(selfID, peerID),
		timeout: timeout,
		events:  make(chan ConnectionEvent, 16),
		connCh:  make(chan webrtc.PeerConnectionState, 8),
		done:    make(chan struct{}),
	}
}

// Key returns the conversation key this negotiator operates under.
func (n *Negotiator) Key() string { return n.key }

// Role returns the resolved role; RoleUnknown before Join succeeds.
func (n *Negotiator) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// State returns the current session state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Join resolves this participant's role, posts or answers the session
// description, and returns the event stream for the join's progress.
// A malformed or missing payload aborts the join with ErrNegotiation and
// is not retried automatically — retry is an explicit caller action.
func (n *Negotiator) Join(ctx context.Context) (<-chan ConnectionEvent, error) {
	path := SignalsPath(n.key)

	snap, err := n.st.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read session record: %w", err)
	}

	if !snap.Exists {
		won, err := n.postOffer(ctx, path)
		if err != nil {
			return nil, err
		}
		if !won {
			// Lost the create race — the peer is the offerer now. Roll the
			// pending local offer back so the remote offer can be applied.
			if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
				log.Warnf("SIGNAL [%s]: rollback local offer: %v", n.key, err)
			}
			if snap, err = n.st.Get(ctx, path); err != nil {
				return nil, fmt.Errorf("re-read session record: %w", err)
			}
			if err := n.answer(ctx, path, snap); err != nil {
				return nil, err
			}
		}
	} else {
		var rec SessionRecord
		if ok, err := snap.Decode(&rec); !ok || err != nil {
			return nil, fmt.Errorf("%w: undecodable session record: %v", ErrNegotiation, err)
		}
		switch {
		case rec.Offer == nil || rec.Offer.SDP == "":
			return nil, fmt.Errorf("%w: session record without offer payload", ErrNegotiation)
		case rec.Offer.Sender == n.selfID:
			// Rejoining as offerer: apply the peer's answer if one exists,
			// otherwise keep waiting for it.
			if err := n.rejoinOfferer(&rec); err != nil {
				return nil, err
			}
		default:
			if err := n.answer(ctx, path, snap); err != nil {
				return nil, err
			}
		}
	}

	n.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		select {
		case n.connCh <- s:
		case <-n.done:
		}
	})

	n.snapCh, n.cancel = n.st.Subscribe(path)
	go n.run()
	return n.events, nil
}

// postOffer creates a local offer and attempts the atomic create. Returns
// whether this participant won the offerer role.
func (n *Negotiator) postOffer(ctx context.Context, path string) (bool, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return false, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return false, fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}

	rec := SessionRecord{
		State:     OfferPosted.String(),
		OffererID: n.selfID,
		Offer: &Description{
			Type:   offer.Type.String(),
			SDP:    offer.SDP,
			Sender: n.selfID,
		},
	}
	won, err := n.st.CompareAndSetAbsent(ctx, path, rec)
	if err != nil {
		return false, fmt.Errorf("post offer: %w", err)
	}
	if !won {
		log.Infof("SIGNAL [%s]: lost offerer race, demoting to answerer", n.key)
		return false, nil
	}

	n.setState(OfferPosted, RoleOfferer)
	log.Infof("SIGNAL [%s]: offer posted as %s", n.key, n.selfID)
	return true, nil
}

// answer applies the remote offer and posts the local answer. Only a
// participant that is not the offerer may write the answer payload.
func (n *Negotiator) answer(ctx context.Context, path string, snap store.Snapshot) error {
	var rec SessionRecord
	if ok, err := snap.Decode(&rec); !ok || err != nil {
		return fmt.Errorf("%w: undecodable session record: %v", ErrNegotiation, err)
	}
	if rec.Offer == nil || rec.Offer.SDP == "" {
		return fmt.Errorf("%w: session record without offer payload", ErrNegotiation)
	}
	if rec.Offer.Sender == n.selfID || rec.OffererID == n.selfID {
		return fmt.Errorf("%w: offerer cannot answer its own session", ErrUnauthorized)
	}
	if rec.Offer.Sender != n.peerID {
		return fmt.Errorf("%w: offer from %q, expected %q", ErrUnauthorized, rec.Offer.Sender, n.peerID)
	}

	if err := n.pc.SetRemoteDescription(remoteDescription(rec.Offer)); err != nil {
		return fmt.Errorf("%w: apply remote offer: %v", ErrNegotiation, err)
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}

	patch := map[string]any{
		"state":      AnswerPosted.String(),
		"answererId": n.selfID,
		"answer": Description{
			Type:   answer.Type.String(),
			SDP:    answer.SDP,
			Sender: n.selfID,
		},
	}
	if err := n.st.Update(ctx, path, patch); err != nil {
		return fmt.Errorf("post answer: %w", err)
	}

	n.setState(AnswerPosted, RoleAnswerer)
	log.Infof("SIGNAL [%s]: answered as %s", n.key, n.selfID)
	return nil
}

func (n *Negotiator) rejoinOfferer(rec *SessionRecord) error {
	n.setState(OfferPosted, RoleOfferer)
	if rec.Answer == nil {
		log.Infof("SIGNAL [%s]: rejoined as offerer, waiting for answer", n.key)
		return nil
	}
	if err := n.applyAnswer(rec); err != nil {
		return err
	}
	return nil
}

// applyAnswer validates and applies the peer's answer payload exactly once.
func (n *Negotiator) applyAnswer(rec *SessionRecord) error {
	if n.answerApplied {
		return nil
	}
	ans := rec.Answer
	if ans.SDP == "" {
		return fmt.Errorf("%w: empty answer payload", ErrNegotiation)
	}
	if ans.Sender == n.selfID {
		return fmt.Errorf("%w: answer attributed to self", ErrUnauthorized)
	}
	if ans.Sender != n.peerID || (rec.AnswererID != "" && rec.AnswererID != ans.Sender) {
		return fmt.Errorf("%w: answer from %q, expected %q", ErrUnauthorized, ans.Sender, n.peerID)
	}
	if err := n.pc.SetRemoteDescription(remoteDescription(ans)); err != nil {
		return fmt.Errorf("%w: apply remote answer: %v", ErrNegotiation, err)
	}
	n.answerApplied = true
	n.setState(AnswerPosted, RoleOfferer)
	return nil
}

// run is the single goroutine that owns the event stream. It forwards
// store snapshots, transport state changes and the bounded-wait timer.
func (n *Negotiator) run() {
	defer close(n.events)

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	n.emit(ConnectionEvent{State: n.State(), Role: n.Role()})

	for {
		select {
		case <-n.done:
			return

		case snap, ok := <-n.snapCh:
			if !ok {
				return
			}
			// Teardown may race an in-flight notification.
			if n.isClosed() {
				return
			}
			n.onSnapshot(snap)

		case s := <-n.connCh:
			switch s {
			case webrtc.PeerConnectionStateConnected:
				timer.Stop()
				n.setState(Connected, n.Role())
				log.Infof("SIGNAL [%s]: peer link established", n.key)
				n.emit(ConnectionEvent{State: Connected, Role: n.Role()})
			case webrtc.PeerConnectionStateFailed:
				log.Warnf("SIGNAL [%s]: peer link failed", n.key)
				n.emit(ConnectionEvent{State: n.State(), Role: n.Role(), Err: fmt.Errorf("%w: transport failed", ErrNegotiation)})
			}

		case <-timer.C:
			if n.State() == Connected {
				continue
			}
			log.Warnf("SIGNAL [%s]: not connected after %s", n.key, n.timeout)
			n.emit(ConnectionEvent{State: n.State(), Role: n.Role(), Err: ErrNegotiationTimeout})
		}
	}
}

// onSnapshot reacts to session record changes. Absence is deliberately
// ignored: Terminated is entered only via explicit teardown, never
// inferred from a store read glitch.
func (n *Negotiator) onSnapshot(snap store.Snapshot) {
	if !snap.Exists {
		return
	}
	var rec SessionRecord
	if ok, err := snap.Decode(&rec); !ok || err != nil {
		log.Warnf("SIGNAL [%s]: undecodable session record: %v", n.key, err)
		return
	}
	if n.Role() == RoleOfferer && rec.Answer != nil {
		prev := n.answerApplied
		if err := n.applyAnswer(&rec); err != nil {
			log.Warnf("SIGNAL [%s]: %v", n.key, err)
			n.emit(ConnectionEvent{State: n.State(), Role: n.Role(), Err: err})
			return
		}
		if !prev {
			n.emit(ConnectionEvent{State: AnswerPosted, Role: RoleOfferer})
		}
	}
}

func (n *Negotiator) emit(e ConnectionEvent) {
	select {
	case n.events <- e:
	case <-n.done:
	}
}

func (n *Negotiator) setState(s State, r Role) {
	n.mu.Lock()
	n.state = s
	if r != RoleUnknown {
		n.role = r
	}
	n.mu.Unlock()
}

func (n *Negotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Close enters Terminated, detaches the store subscription and closes the
// peer link. Idempotent.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.state = Terminated
	cancel := n.cancel
	n.mu.Unlock()

	close(n.done)
	if cancel != nil {
		cancel()
	}
	return n.pc.Close()
}

func remoteDescription(d *Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}
