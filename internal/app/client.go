// Package app composes the sync layer: REST login, channel session and the
// per-concern engines, with ordered startup and teardown.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mukstoo/vtt-client/internal/adapters/media"
	"github.com/mukstoo/vtt-client/internal/adapters/rtc"
	"github.com/mukstoo/vtt-client/internal/api"
	"github.com/mukstoo/vtt-client/internal/channel"
	"github.com/mukstoo/vtt-client/internal/config"
	"github.com/mukstoo/vtt-client/internal/core"
	"github.com/mukstoo/vtt-client/internal/domain"
	"github.com/mukstoo/vtt-client/internal/presence"
	"github.com/mukstoo/vtt-client/internal/units"
	"github.com/mukstoo/vtt-client/internal/voice"
)

type Client struct {
	cfg *config.Config
	log zerolog.Logger

	API      *api.Client
	Session  *channel.Session
	Units    *units.Engine
	Voice    *voice.Coordinator
	Presence *presence.Presence

	user domain.User
	room domain.Room

	mu      sync.Mutex
	ctx     context.Context
	engaged bool
}

func New(cfg *config.Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: logger.With().Str("module", "app").Logger(),
		API: api.NewClient(cfg.ServerURL, logger),
	}
}

func (c *Client) User() domain.User { return c.user }
func (c *Client) Room() domain.Room { return c.room }

// Start logs in, joins the room over REST, builds the engines and opens the
// event channel. The engines come alive on the channel's first Connected
// transition, not before: anything emitted earlier would be dropped while
// the session is still dialing. A failure unwinds what already started.
func (c *Client) Start(ctx context.Context) error {
	auth, err := c.API.Login(ctx, api.Credentials{
		Username: c.cfg.Username,
		Password: c.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.user = auth.User

	roomID := domain.RoomID(c.cfg.RoomID)
	room, err := c.API.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room: %w", err)
	}
	c.room = *room

	if err := c.API.JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	c.Session = channel.NewSession(c.cfg.ChannelURL, c.log)

	actor := units.Actor{
		UserID: c.user.ID,
		GM:     c.room.IsGM(c.user.ID) || c.user.Role == domain.RoleGM,
	}
	grid := units.Grid{
		CellSize: c.cfg.GridCellSize,
		Width:    c.cfg.GridWidth,
		Height:   c.cfg.GridHeight,
		UnitSize: c.cfg.UnitSize,
	}
	unitCfg := units.Config{
		SnapshotTimeout: c.cfg.SnapshotTimeout,
		NoticeTTL:       c.cfg.NoticeTTL,
	}
	c.Units = units.NewEngine(c.Session, roomID, actor, grid, unitCfg, c.log)
	c.Presence = presence.New(c.Session, c.user.ID, presence.Config{TypingTTL: c.cfg.TypingTTL}, c.log)

	if c.cfg.VoiceEnabled {
		rtcCfg := rtc.DefaultConfig(c.cfg.ICEServers)
		c.Voice = voice.NewCoordinator(c.Session, roomID, c.user,
			func(peer domain.PeerID) (core.MediaConnection, error) {
				return rtc.NewConnection(rtcCfg, peer)
			},
			func(ctx context.Context) (core.CaptureSource, error) {
				return media.OpenCapture(ctx, media.NewSilenceSource())
			},
			func(peer domain.PeerID) core.AudioSink {
				return media.DiscardSink{}
			},
			c.log)
	}

	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.Session.SubscribeState(c.onChannelState)
	c.Session.Connect(ctx, roomID, c.API.Token())

	if history, err := c.API.GetChatHistory(ctx, roomID); err != nil {
		c.log.Warn().Err(err).Msg("chat history unavailable")
	} else {
		c.Presence.LoadHistory(history)
	}

	c.log.Info().
		Str("room", string(roomID)).
		Str("user", c.user.Username).
		Msg("session ready")
	return nil
}

// onChannelState drives engine startup off the pushed Connected transition.
// The first one starts the engines (which request the initial snapshot) and
// joins voice; later ones mean the channel was re-established, so only a
// fresh snapshot is needed.
func (c *Client) onChannelState(st core.ChannelState) {
	if st != core.StateConnected {
		return
	}
	c.mu.Lock()
	first := !c.engaged
	c.engaged = true
	ctx := c.ctx
	c.mu.Unlock()

	if !first {
		c.Units.RequestSnapshot()
		return
	}

	c.Units.Start()
	c.Presence.Start()
	if c.Voice != nil {
		go func() {
			if err := c.Voice.Join(ctx); err != nil {
				c.log.Warn().Err(err).Msg("voice unavailable, continuing without it")
			}
		}()
	}
}

// Stop unwinds in reverse order of Start. Safe on a partially started
// client.
func (c *Client) Stop(ctx context.Context) {
	if c.Voice != nil {
		c.Voice.Leave()
	}
	if c.Presence != nil {
		c.Presence.Close()
	}
	if c.Units != nil {
		c.Units.Close()
	}
	if c.Session != nil {
		c.Session.Disconnect()
	}
	if c.room.ID != "" {
		if err := c.API.LeaveRoom(ctx, c.room.ID); err != nil {
			c.log.Warn().Err(err).Msg("leave room failed")
		}
	}
}
