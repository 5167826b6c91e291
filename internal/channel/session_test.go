package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mukstoo/vtt-client/internal/core"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer runs handler for every websocket client that connects.
func wsServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// stateRecorder collects every transition so tests can wait on one.
type stateRecorder struct {
	ch chan core.ChannelState
}

func recordStates(s *Session) *stateRecorder {
	r := &stateRecorder{ch: make(chan core.ChannelState, 16)}
	s.SubscribeState(func(st core.ChannelState) { r.ch <- st })
	return r
}

func (r *stateRecorder) wait(t *testing.T, want core.ChannelState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-r.ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad frame from client: %v", err)
	}
	return env
}

func TestConnectAuthenticatesFirst(t *testing.T) {
	frames := make(chan envelope, 1)
	hold := make(chan struct{})
	srv := wsServer(t, func(ws *websocket.Conn) {
		frames <- readEnvelope(t, ws)
		<-hold
	})
	defer close(hold)

	s := NewSession(wsURL(srv), zerolog.Nop())
	rec := recordStates(s)
	s.Connect(context.Background(), "r1", "tok-123")
	defer s.Disconnect()

	rec.wait(t, core.StateConnecting)
	rec.wait(t, core.StateConnected)

	env := <-frames
	if env.Type != "join_room" {
		t.Fatalf("first frame must authenticate, got %q", env.Type)
	}
	var join struct {
		RoomID string `json:"roomId"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &join); err != nil {
		t.Fatal(err)
	}
	if join.RoomID != "r1" || join.Token != "tok-123" {
		t.Fatalf("bad join frame: %+v", join)
	}
}

func TestDialFailureReportsFailed(t *testing.T) {
	s := NewSession("ws://127.0.0.1:1/ws", zerolog.Nop())
	rec := recordStates(s)
	s.Connect(context.Background(), "r1", "tok")
	rec.wait(t, core.StateFailed)
}

func TestEmitWhileDisconnected(t *testing.T) {
	s := NewSession("ws://unused/ws", zerolog.Nop())
	if err := s.Emit("move_unit", map[string]any{"x": 1}); err != core.ErrNotConnected {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestEmitWrapsInEnvelope(t *testing.T) {
	frames := make(chan envelope, 2)
	hold := make(chan struct{})
	srv := wsServer(t, func(ws *websocket.Conn) {
		frames <- readEnvelope(t, ws)
		frames <- readEnvelope(t, ws)
		<-hold
	})
	defer close(hold)

	s := NewSession(wsURL(srv), zerolog.Nop())
	rec := recordStates(s)
	s.Connect(context.Background(), "r1", "tok")
	defer s.Disconnect()
	rec.wait(t, core.StateConnected)

	if err := s.Emit("move_unit", map[string]any{"unitId": "u1", "x": 80}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	<-frames // join frame
	env := <-frames
	if env.Type != "move_unit" {
		t.Fatalf("want move_unit frame, got %q", env.Type)
	}
	var p struct {
		UnitID string `json:"unitId"`
		X      int    `json:"x"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.UnitID != "u1" || p.X != 80 {
		t.Fatalf("payload mangled: %+v", p)
	}
}

func TestDispatchPreservesServerOrder(t *testing.T) {
	const n = 20
	srv := wsServer(t, func(ws *websocket.Conn) {
		readEnvelope(t, ws) // join
		for i := 0; i < n; i++ {
			data, _ := json.Marshal(map[string]int{"seq": i})
			frame, _ := json.Marshal(envelope{Type: "unit_moved", Data: data})
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	})

	s := NewSession(wsURL(srv), zerolog.Nop())
	rec := recordStates(s)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	s.Subscribe("unit_moved", func(data json.RawMessage) {
		var p struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			t.Errorf("bad event payload: %v", err)
			return
		}
		mu.Lock()
		got = append(got, p.Seq)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})

	s.Connect(context.Background(), "r1", "tok")
	defer s.Disconnect()
	rec.wait(t, core.StateConnected)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		mu.Lock()
		t.Fatalf("only %d of %d events delivered", len(got), n)
	}
	for i, seq := range got {
		if seq != i {
			t.Fatalf("events reordered at index %d: %v", i, got)
		}
	}
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	srv := wsServer(t, func(ws *websocket.Conn) {
		readEnvelope(t, ws) // join
		data, _ := json.Marshal(map[string]string{"unitId": "u1"})
		frame, _ := json.Marshal(envelope{Type: "unit_moved", Data: data})
		ws.WriteMessage(websocket.TextMessage, frame)
		time.Sleep(200 * time.Millisecond)
	})

	s := NewSession(wsURL(srv), zerolog.Nop())
	rec := recordStates(s)

	var calls atomic.Int32
	s.Subscribe("unit_moved", func(json.RawMessage) {
		calls.Add(1)
	})

	s.Connect(context.Background(), "r1", "tok")
	rec.wait(t, core.StateConnected)

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never delivered on first connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Disconnect()

	// Reconnect; the server sends the same event again, but the old
	// subscription did not survive Disconnect.
	rec2 := recordStates(s)
	s.Connect(context.Background(), "r1", "tok")
	defer s.Disconnect()
	rec2.wait(t, core.StateConnected)
	time.Sleep(150 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Fatalf("stale handler fired after disconnect: %d calls", got)
	}
}

func TestServerCloseObservedAsDisconnected(t *testing.T) {
	srv := wsServer(t, func(ws *websocket.Conn) {
		readEnvelope(t, ws) // join
		ws.Close()
	})

	s := NewSession(wsURL(srv), zerolog.Nop())
	rec := recordStates(s)
	s.Connect(context.Background(), "r1", "tok")
	rec.wait(t, core.StateConnected)
	rec.wait(t, core.StateDisconnected)
}

func TestReconnectSupersedesOldConnection(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv := wsServer(t, func(ws *websocket.Conn) {
		mu.Lock()
		conns++
		mu.Unlock()
		readEnvelope(t, ws)
		time.Sleep(300 * time.Millisecond)
	})

	s := NewSession(wsURL(srv), zerolog.Nop())
	rec := recordStates(s)
	s.Connect(context.Background(), "r1", "tok")
	rec.wait(t, core.StateConnected)

	rec2 := recordStates(s)
	s.Connect(context.Background(), "r2", "tok")
	defer s.Disconnect()
	rec2.wait(t, core.StateConnected)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := conns
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("want 2 server-side connections, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != core.StateConnected {
		t.Fatalf("want connected on the new channel, got %s", s.State())
	}
}
