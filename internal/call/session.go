// Package call composes the store, signaling, media and chat layers into
// whole sessions behind a small client facade.
package call

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/mockmate/callkit/internal/chat"
	"github.com/mockmate/callkit/internal/media"
	"github.com/mockmate/callkit/internal/signal"
	"github.com/mockmate/callkit/internal/store"
	"github.com/mockmate/callkit/internal/util"
)

var log = logging.Logger("call")

const recentEvents = 64

// Session is one live conversation with a peer: the negotiated transport,
// the candidate relay, the local media pipeline and the chat log.
type Session struct {
	key    string
	selfID string
	peerID string

	st    store.Adapter
	pc    *webrtc.PeerConnection
	neg   *signal.Negotiator
	relay *signal.Relay
	pipe  *media.Pipeline
	chat  *chat.Manager

	recent *util.RingBuffer[signal.ConnectionEvent]
	events chan signal.ConnectionEvent

	mu    sync.Mutex
	pumps []*media.RemotePump
	ended bool
}

// Key returns the conversation key shared by both participants.
func (s *Session) Key() string { return s.key }

// PeerID returns the remote participant.
func (s *Session) PeerID() string { return s.peerID }

// Role returns the negotiated signaling role.
func (s *Session) Role() signal.Role { return s.neg.Role() }

// State returns the current session state.
func (s *Session) State() signal.State { return s.neg.State() }

// Events streams connection progress. The channel closes when the session
// ends.
func (s *Session) Events() <-chan signal.ConnectionEvent { return s.events }

// RecentEvents returns the most recent connection events, oldest first.
func (s *Session) RecentEvents() []signal.ConnectionEvent { return s.recent.Items() }

// Media returns the local media pipeline.
func (s *Session) Media() *media.Pipeline { return s.pipe }

// Chat returns the conversation's message manager.
func (s *Session) Chat() *chat.Manager { return s.chat }

// RemoteTracks returns the pumps forwarding the peer's inbound tracks.
func (s *Session) RemoteTracks() []*media.RemotePump {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*media.RemotePump, len(s.pumps))
	copy(out, s.pumps)
	return out
}

func (s *Session) addPump(p *media.RemotePump) {
	s.mu.Lock()
	s.pumps = append(s.pumps, p)
	s.mu.Unlock()
}

// forwardEvents drains the negotiator's stream into the session's, keeping
// a bounded tail for late readers.
func (s *Session) forwardEvents(in <-chan signal.ConnectionEvent) {
	defer close(s.events)
	for e := range in {
		s.recent.Append(e)
		select {
		case s.events <- e:
		default:
		}
	}
}

// End tears the session down: release capture devices first so the camera
// light goes out even if later steps fail, then the transport, then the
// shared store records. Store cleanup failures are logged and skipped —
// the local session is gone either way, and a stale record is repaired by
// the next join. Idempotent.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	pumps := s.pumps
	s.pumps = nil
	s.mu.Unlock()

	s.pipe.Release()
	for _, p := range pumps {
		p.Close()
	}
	s.relay.Close()
	s.chat.Close()
	if err := s.neg.Close(); err != nil {
		log.Warnf("CALL [%s]: close transport: %v", s.key, err)
	}

	for _, path := range []string{
		signal.SignalsPath(s.key),
		signal.CandidatesRoot(s.key),
	} {
		if err := s.st.Remove(ctx, path); err != nil {
			log.Warnf("CALL [%s]: remove %s: %v", s.key, path, err)
		}
	}

	log.Infof("CALL [%s]: session ended", s.key)
	return nil
}
