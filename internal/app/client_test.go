package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mukstoo/vtt-client/internal/api"
	"github.com/mukstoo/vtt-client/internal/config"
	"github.com/mukstoo/vtt-client/internal/domain"
)

type frameLog struct {
	mu    sync.Mutex
	types []string
}

func (l *frameLog) add(t string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, t)
}

func (l *frameLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.types...)
}

func restServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			json.NewEncoder(w).Encode(api.AuthResponse{
				Token: "tok-1",
				User:  domain.User{ID: "u1", Username: "alice", Role: domain.RolePlayer},
			})
		case "/api/rooms/r1":
			json.NewEncoder(w).Encode(domain.Room{ID: "r1", Name: "The Keep", GMID: "u9"})
		case "/api/rooms/r1/join", "/api/rooms/r1/leave":
			w.WriteHeader(http.StatusOK)
		case "/api/rooms/r1/messages":
			json.NewEncoder(w).Encode([]domain.ChatMessage{})
		default:
			t.Errorf("unexpected REST path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func channelServer(t *testing.T, frames *frameLog) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		for {
			var env struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := json.Unmarshal(data, &env); err != nil {
				t.Errorf("bad frame: %v", err)
				return
			}
			frames.add(env.Type)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// The session dials asynchronously, so the unit snapshot request must wait
// for the Connected transition; emitted any earlier it would be dropped and
// the room would never load.
func TestStartRequestsSnapshotAfterConnected(t *testing.T) {
	frames := &frameLog{}
	rest := restServer(t)
	ws := channelServer(t, frames)

	cfg := &config.Config{
		ServerURL:       rest.URL,
		ChannelURL:      "ws" + strings.TrimPrefix(ws.URL, "http"),
		RoomID:          "r1",
		Username:        "alice",
		Password:        "secret",
		GridCellSize:    40,
		GridWidth:       800,
		GridHeight:      600,
		UnitSize:        30,
		SnapshotTimeout: 5 * time.Second,
		NoticeTTL:       5 * time.Second,
		TypingTTL:       2 * time.Second,
		VoiceEnabled:    false,
	}

	ctx := context.Background()
	client := New(cfg, zerolog.Nop())
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer client.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := frames.snapshot()
		if len(got) >= 2 {
			if got[0] != "join_room" {
				t.Fatalf("first frame must authenticate, got %v", got)
			}
			if got[1] != "get_room_units" {
				t.Fatalf("want snapshot request after join, got %v", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot request never reached the server; frames seen: %v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
