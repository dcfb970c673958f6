// Package signal owns session negotiation against the shared store: role
// resolution, the session state machine, and the network-candidate relay.
// It talks to the transport through the PeerLink interface only, so the
// rest of the package is exercised without devices or sockets.
package signal

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/mockmate/callkit/internal/store"
)

var (
	// ErrNegotiation reports a malformed or missing session payload during
	// role resolution. The join aborts; retry is an explicit caller action.
	ErrNegotiation = errors.New("signal: negotiation failed")

	// ErrNegotiationTimeout reports that negotiation did not complete
	// within the bounded wait. Distinct from ErrNegotiation; retry allowed.
	ErrNegotiationTimeout = errors.New("signal: negotiation timed out")

	// ErrUnauthorized reports a payload write attributed to an identity
	// that is not a session participant. Rejected locally, never stored.
	ErrUnauthorized = errors.New("signal: unauthorized")
)

// State is the session negotiation state machine.
type State int

const (
	Empty State = iota
	OfferPosted
	AnswerPosted
	Connected
	Terminated
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case OfferPosted:
		return "offer_posted"
	case AnswerPosted:
		return "answer_posted"
	case Connected:
		return "connected"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Role is this participant's side of the two-party negotiation.
type Role int

const (
	RoleUnknown Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	}
	return "unknown"
}

// Description is a session-description payload as stored in the session
// record. Sender attributes the write; receipt validation rejects payloads
// from non-participants.
type Description struct {
	Type   string `json:"type"`
	SDP    string `json:"sdp"`
	Sender string `json:"sender"`
}

// SessionRecord is the shared session document under SignalsPath.
// Invariants: at most one offererId; answer may be set only after offer
// exists and only by a participant that is not the offerer.
type SessionRecord struct {
	State      string       `json:"state"`
	OffererID  string       `json:"offererId"`
	AnswererID string       `json:"answererId,omitempty"`
	Offer      *Description `json:"offer,omitempty"`
	Answer     *Description `json:"answer,omitempty"`
}

// ConnectionEvent is one step of a join's observable progress.
type ConnectionEvent struct {
	State State
	Role  Role
	Err   error
}

// PeerLink is the subset of *webrtc.PeerConnection the negotiator and
// relay need. Tests substitute a fake.
type PeerLink interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// SignalsPath is the session record path for a conversation key.
func SignalsPath(key string) string {
	return store.Join("videoChats", key, "signals")
}

// CandidatesPath is the candidate sub-path owned by one participant.
func CandidatesPath(key, ownerID string) string {
	return store.Join("videoChats", key, "iceCandidates", ownerID)
}

// CandidatesRoot is the parent of all candidate sub-paths for a key.
func CandidatesRoot(key string) string {
	return store.Join("videoChats", key, "iceCandidates")
}
