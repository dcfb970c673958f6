package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// fakeBridge is a single-connection in-memory store bridge speaking the
// adapter's frame protocol. Paths are flat keys; subscriptions match exact
// paths only, which is all the tests need.
type fakeBridge struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	data map[string]json.RawMessage
	subs map[string]string // subID -> path
	conn *websocket.Conn

	wmu sync.Mutex // guards conn writes
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		data: make(map[string]json.RawMessage),
		subs: make(map[string]string),
	}
}

func (b *fakeBridge) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		b.handle(f)
	}
}

func (b *fakeBridge) handle(f wsFrame) {
	ack := wsFrame{Type: evAck, ReqID: f.ReqID, OK: true}
	switch f.Op {
	case opGet:
		b.mu.Lock()
		v, ok := b.data[f.Path]
		b.mu.Unlock()
		ack.Value, ack.Exists = v, ok
	case opPublish:
		b.set(f.Path, f.Value)
	case opUpdate:
		var patch map[string]json.RawMessage
		if err := json.Unmarshal(f.Patch, &patch); err == nil {
			for k, v := range patch {
				b.set(f.Path+"/"+k, v)
			}
		}
	case opRemove:
		b.mu.Lock()
		delete(b.data, f.Path)
		b.mu.Unlock()
		b.notify(f.Path)
	case opPush:
		id := uuid.NewString()
		b.set(f.Path+"/"+id, f.Value)
		ack.ID = id
	case opCAS:
		b.mu.Lock()
		_, exists := b.data[f.Path]
		if !exists {
			b.data[f.Path] = f.Value
		}
		b.mu.Unlock()
		ack.Won = !exists
		if !exists {
			b.notify(f.Path)
		}
	case opSubscribe:
		b.mu.Lock()
		b.subs[f.SubID] = f.Path
		v, ok := b.data[f.Path]
		b.mu.Unlock()
		b.write(wsFrame{Type: evSnapshot, SubID: f.SubID, Value: v, Exists: ok})
		return
	case opUnsubscribe:
		b.mu.Lock()
		delete(b.subs, f.SubID)
		b.mu.Unlock()
		return
	}
	b.write(ack)
}

func (b *fakeBridge) set(path string, v json.RawMessage) {
	b.mu.Lock()
	b.data[path] = v
	b.mu.Unlock()
	b.notify(path)
}

func (b *fakeBridge) notify(path string) {
	b.mu.Lock()
	v, ok := b.data[path]
	ids := make([]string, 0, len(b.subs))
	for id, p := range b.subs {
		if p == path {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.write(wsFrame{Type: evSnapshot, SubID: id, Value: v, Exists: ok})
	}
}

func (b *fakeBridge) write(f wsFrame) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	b.wmu.Lock()
	_ = conn.WriteJSON(f)
	b.wmu.Unlock()
}

func newWSClient(t *testing.T) (*WS, *fakeBridge) {
	t.Helper()
	b := newFakeBridge()
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	w, err := DialWS(context.Background(), url, "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w, b
}

func recvSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed early")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
	}
	return Snapshot{}
}

func TestWSPublishGetRoundTrip(t *testing.T) {
	w, _ := newWSClient(t)
	ctx := context.Background()

	if err := w.Publish(ctx, "rooms/a", map[string]string{"state": "live"}); err != nil {
		t.Fatal(err)
	}
	snap, err := w.Get(ctx, "rooms/a")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if ok, err := snap.Decode(&got); !ok || err != nil {
		t.Fatalf("decode = (%v, %v), want value", ok, err)
	}
	if got["state"] != "live" {
		t.Fatalf("value = %v", got)
	}

	snap, err = w.Get(ctx, "rooms/missing")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Exists {
		t.Fatal("absent path must report Exists=false")
	}
}

func TestWSCompareAndSetAbsentWinsOnce(t *testing.T) {
	w, _ := newWSClient(t)
	ctx := context.Background()

	won, err := w.CompareAndSetAbsent(ctx, "lock", "first")
	if err != nil || !won {
		t.Fatalf("first CAS = (%v, %v), want win", won, err)
	}
	won, err = w.CompareAndSetAbsent(ctx, "lock", "second")
	if err != nil || won {
		t.Fatalf("second CAS = (%v, %v), want loss", won, err)
	}

	snap, err := w.Get(ctx, "lock")
	if err != nil {
		t.Fatal(err)
	}
	var v string
	if _, err := snap.Decode(&v); err != nil || v != "first" {
		t.Fatalf("value = %q (%v), want winner's write kept", v, err)
	}
}

func TestWSSubscribeReplaysCurrentValue(t *testing.T) {
	w, _ := newWSClient(t)
	ctx := context.Background()

	if err := w.Publish(ctx, "doc", 1); err != nil {
		t.Fatal(err)
	}

	ch, cancel := w.Subscribe("doc")
	defer cancel()

	snap := recvSnapshot(t, ch)
	if !snap.Exists || string(snap.Value) != "1" {
		t.Fatalf("initial snapshot = %+v, want current value", snap)
	}

	if err := w.Publish(ctx, "doc", 2); err != nil {
		t.Fatal(err)
	}
	snap = recvSnapshot(t, ch)
	if string(snap.Value) != "2" {
		t.Fatalf("snapshot after write = %s, want 2", snap.Value)
	}

	cancel()
	cancel() // idempotent
}

// A cancel landing between snapshot deliveries must never take down the
// read loop: channel close and delivery are serialized on the same lock.
func TestWSSubscribeCancelDuringSnapshotBurst(t *testing.T) {
	w, b := newWSClient(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			b.mu.Lock()
			ids := make([]string, 0, len(b.subs))
			for id := range b.subs {
				ids = append(ids, id)
			}
			b.mu.Unlock()
			for _, id := range ids {
				b.write(wsFrame{Type: evSnapshot, SubID: id, Value: json.RawMessage(strconv.Itoa(i)), Exists: true})
			}
			i++
		}
	}()

	for i := 0; i < 200; i++ {
		ch, cancel := w.Subscribe("burst")
		// The initial replay proves the read loop is still alive.
		recvSnapshot(t, ch)
		cancel()
	}

	close(stop)
	wg.Wait()
}

func TestWSPushGeneratesChildIDs(t *testing.T) {
	w, _ := newWSClient(t)
	ctx := context.Background()

	id1, err := w.Push(ctx, "list", "a")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := w.Push(ctx, "list", "b")
	if err != nil {
		t.Fatal(err)
	}
	if id1 == "" || id1 == id2 {
		t.Fatalf("push ids = %q, %q, want distinct non-empty", id1, id2)
	}

	snap, err := w.Get(ctx, "list/"+id2)
	if err != nil {
		t.Fatal(err)
	}
	var v string
	if _, err := snap.Decode(&v); err != nil || v != "b" {
		t.Fatalf("pushed value = %q (%v)", v, err)
	}
}
