package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mockmate/callkit/internal/util"
)

var wslog = logging.Logger("store")

// wire ops and event types for the bridge protocol. One JSON frame per
// websocket message; requests are acked by reqId, snapshots routed by subId.
const (
	opGet         = "get"
	opPublish     = "publish"
	opUpdate      = "update"
	opRemove      = "remove"
	opPush        = "push"
	opCAS         = "cas"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"

	evAck      = "ack"
	evSnapshot = "snapshot"
)

type wsFrame struct {
	Op    string          `json:"op,omitempty"`
	Type  string          `json:"type,omitempty"`
	ReqID string          `json:"reqId,omitempty"`
	SubID string          `json:"subId,omitempty"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Patch json.RawMessage `json:"patch,omitempty"`

	// ack fields
	OK     bool   `json:"ok,omitempty"`
	ID     string `json:"id,omitempty"`
	Won    bool   `json:"won,omitempty"`
	Exists bool   `json:"exists,omitempty"`
	Error  string `json:"error,omitempty"`
}

type wsSub struct {
	id   string
	path string
	ch   chan Snapshot
}

// WS is an Adapter over a websocket store bridge. It reconnects with
// backoff and re-issues live subscriptions; consumers must treat replayed
// snapshots idempotently, which every callkit consumer does.
type WS struct {
	url   string
	token string

	writeMu sync.Mutex // guards conn writes
	mu      sync.Mutex // guards everything else
	conn    *websocket.Conn
	pending map[string]chan wsFrame
	subs    map[string]*wsSub
	done    chan struct{}
	closed  bool
}

// DialWS connects to the store bridge at url. token, when non-empty, is
// sent as a bearer credential on the handshake.
func DialWS(ctx context.Context, url, token string) (*WS, error) {
	w := &WS{
		url:     url,
		token:   token,
		pending: make(map[string]chan wsFrame),
		subs:    make(map[string]*wsSub),
		done:    make(chan struct{}),
	}
	conn, err := w.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, url, err)
	}
	w.conn = conn
	go w.readLoop(conn)
	return w, nil
}

func (w *WS) dial(ctx context.Context) (*websocket.Conn, error) {
	hdr := http.Header{}
	if w.token != "" {
		hdr.Set("Authorization", "Bearer "+w.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, hdr)
	return conn, err
}

// Close tears the connection down and closes all subscription channels.
// Safe to call more than once.
func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	conn := w.conn
	for _, s := range w.subs {
		close(s.ch)
	}
	w.subs = make(map[string]*wsSub)
	w.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (w *WS) Get(ctx context.Context, path string) (Snapshot, error) {
	ack, err := w.request(ctx, wsFrame{Op: opGet, Path: path})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Value: ack.Value, Exists: ack.Exists}, nil
}

func (w *WS) Publish(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = w.request(ctx, wsFrame{Op: opPublish, Path: path, Value: raw})
	return err
}

func (w *WS) Update(ctx context.Context, path string, patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = w.request(ctx, wsFrame{Op: opUpdate, Path: path, Patch: raw})
	return err
}

func (w *WS) Remove(ctx context.Context, path string) error {
	_, err := w.request(ctx, wsFrame{Op: opRemove, Path: path})
	return err
}

func (w *WS) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	ack, err := w.request(ctx, wsFrame{Op: opPush, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return ack.ID, nil
}

func (w *WS) CompareAndSetAbsent(ctx context.Context, path string, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	ack, err := w.request(ctx, wsFrame{Op: opCAS, Path: path, Value: raw})
	if err != nil {
		return false, err
	}
	return ack.Won, nil
}

func (w *WS) Subscribe(path string) (<-chan Snapshot, func()) {
	sub := &wsSub{id: uuid.NewString(), path: path, ch: make(chan Snapshot, 64)}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	w.subs[sub.id] = sub
	w.mu.Unlock()

	// Fire-and-forget: the bridge replies with the current snapshot as the
	// first event on this subId.
	if err := w.send(wsFrame{Op: opSubscribe, SubID: sub.id, Path: path}); err != nil {
		wslog.Warnf("subscribe %s: %v", path, err)
	}

	cancel := func() {
		w.mu.Lock()
		if _, ok := w.subs[sub.id]; ok {
			delete(w.subs, sub.id)
			close(sub.ch)
			w.mu.Unlock()
			_ = w.send(wsFrame{Op: opUnsubscribe, SubID: sub.id})
			return
		}
		w.mu.Unlock()
	}
	return sub.ch, cancel
}

func (w *WS) request(ctx context.Context, f wsFrame) (wsFrame, error) {
	f.ReqID = uuid.NewString()
	ackCh := make(chan wsFrame, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return wsFrame{}, ErrUnavailable
	}
	w.pending[f.ReqID] = ackCh
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, f.ReqID)
		w.mu.Unlock()
	}()

	if err := w.send(f); err != nil {
		return wsFrame{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, f.Op, err)
	}

	timer := time.NewTimer(util.DefaultStoreTimeout)
	defer timer.Stop()
	select {
	case ack := <-ackCh:
		if !ack.OK {
			return wsFrame{}, fmt.Errorf("store: %s %s: %s", f.Op, f.Path, ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		return wsFrame{}, ctx.Err()
	case <-w.done:
		return wsFrame{}, ErrUnavailable
	case <-timer.C:
		return wsFrame{}, fmt.Errorf("%w: %s %s: ack timeout", ErrUnavailable, f.Op, f.Path)
	}
}

func (w *WS) send(f wsFrame) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrUnavailable
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (w *WS) readLoop(conn *websocket.Conn) {
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			wslog.Warnf("read: %v — reconnecting", err)
			w.reconnect()
			return
		}

		switch f.Type {
		case evAck:
			w.mu.Lock()
			ch, ok := w.pending[f.ReqID]
			w.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		case evSnapshot:
			// Deliver under mu: cancel and Close close sub.ch under the same
			// lock, so a subscription that is still in the map is never closed
			// mid-send.
			w.mu.Lock()
			if sub, ok := w.subs[f.SubID]; ok {
				snap := Snapshot{Path: sub.path, Value: f.Value, Exists: f.Exists}
				select {
				case sub.ch <- snap:
				default:
					// Full-state replays supersede each other; drop under pressure.
				}
			}
			w.mu.Unlock()
		}
	}
}

// reconnect redials with backoff and replays live subscriptions. The bridge
// answers each replayed subscribe with a fresh current snapshot, which
// consumers de-duplicate themselves.
func (w *WS) reconnect() {
	backoff := time.Second
	for {
		select {
		case <-w.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultStoreTimeout)
		conn, err := w.dial(ctx)
		cancel()
		if err != nil {
			wslog.Warnf("redial %s: %v", w.url, err)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			conn.Close()
			return
		}
		w.conn = conn
		subs := make([]*wsSub, 0, len(w.subs))
		for _, s := range w.subs {
			subs = append(subs, s)
		}
		w.mu.Unlock()

		for _, s := range subs {
			if err := w.send(wsFrame{Op: opSubscribe, SubID: s.id, Path: s.path}); err != nil {
				wslog.Warnf("resubscribe %s: %v", s.path, err)
			}
		}
		wslog.Infof("reconnected to %s (%d subscriptions replayed)", w.url, len(subs))
		go w.readLoop(conn)
		return
	}
}

var _ Adapter = (*WS)(nil)
