// Package api is the REST client for everything that happens outside the
// event channel: authentication, room membership and history snapshots.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mukstoo/vtt-client/internal/domain"
)

const defaultTimeout = 10 * time.Second

// APIError carries the server's error body alongside the status code.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

type Client struct {
	baseURL string
	http    *http.Client
	token   string
	log     zerolog.Logger
}

func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     logger.With().Str("module", "api").Logger(),
	}
}

// SetToken installs the bearer token used on authenticated calls.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current bearer token, empty before login.
func (c *Client) Token() string { return c.token }

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", creds, &out); err != nil {
		return nil, err
	}
	c.token = out.Token
	c.log.Info().Str("user", out.User.Username).Msg("logged in")
	return &out, nil
}

// Register creates an account and stores the returned token.
func (c *Client) Register(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", creds, &out); err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

func (c *Client) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var out domain.Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+string(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) JoinRoom(ctx context.Context, id domain.RoomID) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+string(id)+"/join", nil, nil)
}

func (c *Client) LeaveRoom(ctx context.Context, id domain.RoomID) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+string(id)+"/leave", nil, nil)
}

func (c *Client) GetRoomCharacters(ctx context.Context, id domain.RoomID) ([]domain.Character, error) {
	var out []domain.Character
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+string(id)+"/characters", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetChatHistory(ctx context.Context, id domain.RoomID) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+string(id)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetDiceHistory(ctx context.Context, id domain.RoomID) ([]domain.DiceRoll, error) {
	var out []domain.DiceRoll
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+string(id)+"/rolls", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health pings the server without auth.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var failure struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&failure); err == nil && failure.Error != "" {
			msg = failure.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
