package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mukstoo/vtt-client/internal/domain"
)

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("decode: %v", err)
		}
		if creds.Username != "alice" || creds.Password != "secret" {
			t.Errorf("bad credentials: %+v", creds)
		}
		json.NewEncoder(w).Encode(AuthResponse{
			Token: "tok-1",
			User:  domain.User{ID: "u1", Username: "alice", Role: domain.RolePlayer},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	auth, err := c.Login(context.Background(), Credentials{Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if auth.User.ID != "u1" {
		t.Fatalf("bad user: %+v", auth.User)
	}
	if c.Token() != "tok-1" {
		t.Fatalf("token not stored: %q", c.Token())
	}
}

func TestAuthenticatedCallsCarryBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("missing bearer header: %q", got)
		}
		json.NewEncoder(w).Encode(domain.Room{ID: "r1", Name: "The Keep", GMID: "u9"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	c.SetToken("tok-1")
	room, err := c.GetRoom(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.Name != "The Keep" || !room.IsGM("u9") {
		t.Fatalf("bad room: %+v", room)
	}
}

func TestServerErrorBodySurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "not a member"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	err := c.JoinRoom(context.Background(), "r1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "not a member" {
		t.Fatalf("error body lost: %+v", apiErr)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/rooms/r1/messages":
			json.NewEncoder(w).Encode([]domain.ChatMessage{
				{ID: "m1", Content: "hi", User: domain.User{ID: "u1", Username: "alice"}},
			})
		case "/api/rooms/r1/rolls":
			json.NewEncoder(w).Encode([]domain.DiceRoll{
				{ID: "d1", UserID: "u1", RoomID: "r1", Formula: "1d20", Result: 17},
			})
		case "/api/rooms/r1/characters":
			json.NewEncoder(w).Encode([]domain.Character{})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	ctx := context.Background()

	msgs, err := c.GetChatHistory(ctx, "r1")
	if err != nil || len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("chat history: %v %+v", err, msgs)
	}
	rolls, err := c.GetDiceHistory(ctx, "r1")
	if err != nil || len(rolls) != 1 || rolls[0].Result != 17 {
		t.Fatalf("dice history: %v %+v", err, rolls)
	}
	if _, err := c.GetRoomCharacters(ctx, "r1"); err != nil {
		t.Fatalf("characters: %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
