package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mockmate/callkit/internal/chat"
	"github.com/mockmate/callkit/internal/config"
	"github.com/mockmate/callkit/internal/media"
	"github.com/mockmate/callkit/internal/signal"
	"github.com/mockmate/callkit/internal/store"
	"github.com/mockmate/callkit/internal/util"
)

// Client owns the media engine and the set of active sessions for one
// identity. Sessions are keyed by conversation, so there is at most one
// per peer pair.
type Client struct {
	st  store.Adapter
	eng *media.Engine

	mu       sync.Mutex
	cfg      config.Config
	sessions map[string]*Session
	history  *chat.History
	closed   bool
}

// New creates a client on top of the given store adapter. A failing
// history cache is logged and disabled, never fatal — chat still works
// from the store alone.
func New(st store.Adapter, cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	eng, err := media.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	var history *chat.History
	if cfg.Chat.HistoryDir != "" {
		history, err = chat.OpenHistory(cfg.Chat.HistoryDir)
		if err != nil {
			log.Warnf("CALL: chat history disabled: %v", err)
			history = nil
		}
	}

	return &Client{
		st:       st,
		eng:      eng,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		history:  history,
	}, nil
}

// ApplyConfig swaps in a reloaded configuration. Existing sessions keep
// the settings they were built with; new joins pick up the change.
func (c *Client) ApplyConfig(cfg config.Config) {
	if err := cfg.Validate(); err != nil {
		log.Warnf("CALL: ignoring invalid config update: %v", err)
		return
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// JoinSession joins (or creates) the session with peerID. Joining an
// already-active conversation returns the existing session.
func (c *Client) JoinSession(ctx context.Context, peerID, peerName string) (*Session, error) {
	peerID, err := util.ValidateParticipantID(peerID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("call: client closed")
	}
	cfg := c.cfg
	if peerID == cfg.Identity.ID {
		c.mu.Unlock()
		return nil, errors.New("call: cannot join a session with yourself")
	}
	key := util.ConversationKey(cfg.Identity.ID, peerID)
	if existing, ok := c.sessions[key]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	sess, err := c.dial(ctx, cfg, key, peerID, peerName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.End(ctx)
		return nil, errors.New("call: client closed")
	}
	if existing, ok := c.sessions[key]; ok {
		// A concurrent join won; keep theirs.
		c.mu.Unlock()
		sess.End(ctx)
		return existing, nil
	}
	c.sessions[key] = sess
	c.mu.Unlock()
	return sess, nil
}

// dial assembles and joins one session.
func (c *Client) dial(ctx context.Context, cfg config.Config, key, peerID, peerName string) (*Session, error) {
	selfID := cfg.Identity.ID

	pc, err := c.eng.NewPeerConnection(cfg.Media.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	pipe := media.NewPipeline(c.eng, media.Capabilities{
		Camera:      cfg.Media.Camera,
		ScreenShare: cfg.Media.ScreenShare,
	})
	if err := pipe.Acquire(ctx); err != nil {
		pc.Close()
		return nil, err
	}

	var audioSender, videoSender media.TrackSender
	tracks := pipe.Tracks()
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			pipe.Release()
			pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			videoSender = sender
		} else {
			audioSender = sender
		}
	}
	if len(tracks) == 0 {
		media.AddRecvOnlyTransceivers(pc)
	}
	pipe.BindSenders(audioSender, videoSender)

	sess := &Session{
		key:    key,
		selfID: selfID,
		peerID: peerID,
		st:     c.st,
		pc:     pc,
		pipe:   pipe,
		chat:   chat.NewManager(c.st, key, selfID, cfg.Identity.DisplayName, peerID, peerName, c.history),
		recent: util.NewRingBuffer[signal.ConnectionEvent](recentEvents),
		events: make(chan signal.ConnectionEvent, 16),
	}
	sess.relay = signal.NewRelay(c.st, key, selfID, peerID, pc)
	sess.neg = signal.NewNegotiator(c.st, pc, selfID, peerID, cfg.NegotiationTimeout())

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		pump, err := media.NewRemotePump(pc, tr)
		if err != nil {
			log.Warnf("CALL [%s]: remote %s track: %v", key, tr.Kind(), err)
			return
		}
		sess.addPump(pump)
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		pctx, cancel := context.WithTimeout(context.Background(), util.DefaultStoreTimeout)
		defer cancel()
		if err := sess.relay.Publish(pctx, cand.ToJSON()); err != nil {
			log.Warnf("CALL [%s]: %v", key, err)
		}
	})

	negEvents, err := sess.neg.Join(ctx)
	if err != nil {
		pipe.Release()
		pc.Close()
		return nil, err
	}
	sess.relay.Start(cfg.CandidateTimeout())
	sess.chat.Start()
	go sess.forwardEvents(negEvents)

	log.Infof("CALL [%s]: joined as %s (role=%s)", key, selfID, sess.Role())
	return sess, nil
}

// Session returns the active session with peerID, if any.
func (c *Client) Session(peerID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := util.ConversationKey(c.cfg.Identity.ID, peerID)
	s, ok := c.sessions[key]
	return s, ok
}

// EndSession ends the session with peerID. Ending a session that does not
// exist, or one already ended, is a no-op.
func (c *Client) EndSession(ctx context.Context, peerID string) error {
	c.mu.Lock()
	key := util.ConversationKey(c.cfg.Identity.ID, peerID)
	sess, ok := c.sessions[key]
	delete(c.sessions, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.End(ctx)
}

// Close ends every session and the history cache. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	history := c.history
	c.history = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.End(ctx)
	}
	if history != nil {
		if err := history.Close(); err != nil {
			log.Warnf("CALL: close history: %v", err)
		}
	}
	return nil
}
