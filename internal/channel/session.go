// Package channel implements the room event channel over a websocket
// client connection. One Session per room visit, owned by the room view
// that created it.
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mukstoo/vtt-client/internal/core"
	"github.com/mukstoo/vtt-client/internal/domain"
)

const (
	writeWait   = 5 * time.Second
	sendBacklog = 32

	// First frame after the transport opens; authenticates and scopes
	// the channel to one room.
	evJoinRoom = "join_room"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsConn is the transport endpoint for one connection attempt.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrNotConnected
	}
	select {
	case c.send <- b:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Session implements core.EventChannel. At most one live transport
// connection exists at a time; Connect tears down the previous one first.
type Session struct {
	url    string
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu        sync.Mutex
	state     core.ChannelState
	conn      *wsConn
	cancel    context.CancelFunc
	gen       uint64
	handlers  map[string]map[string]core.EventHandler
	stateSubs map[string]core.StateHandler

	// notify serializes observer callbacks so transitions arrive in order.
	notify chan func()
}

func NewSession(wsURL string, logger zerolog.Logger) *Session {
	s := &Session{
		url:       wsURL,
		dialer:    websocket.DefaultDialer,
		log:       logger.With().Str("module", "channel").Logger(),
		state:     core.StateDisconnected,
		handlers:  make(map[string]map[string]core.EventHandler),
		stateSubs: make(map[string]core.StateHandler),
		notify:    make(chan func(), 64),
	}
	go s.notifyLoop()
	return s
}

func (s *Session) notifyLoop() {
	for fn := range s.notify {
		fn()
	}
}

// Connect opens a new authenticated channel scoped to roomID. It is
// idempotent with respect to prior connections: a live one is closed first.
// Completion is observed through a state transition, not a return value.
func (s *Session) Connect(ctx context.Context, roomID domain.RoomID, credential string) {
	s.mu.Lock()
	s.teardownLocked()
	s.gen++
	gen := s.gen
	s.setStateLocked(core.StateConnecting)
	s.mu.Unlock()

	s.log.Info().Str("room", string(roomID)).Msg("connecting")

	go s.dial(ctx, gen, roomID, credential)
}

func (s *Session) dial(ctx context.Context, gen uint64, roomID domain.RoomID, credential string) {
	ws, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.log.Error().Err(err).Str("room", string(roomID)).Msg("dial failed")
		s.mu.Lock()
		if s.gen == gen {
			s.setStateLocked(core.StateFailed)
		}
		s.mu.Unlock()
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, sendBacklog),
	}

	s.mu.Lock()
	if s.gen != gen {
		// A newer Connect or a Disconnect superseded this attempt.
		s.mu.Unlock()
		conn.Close()
		return
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	s.conn = conn
	s.cancel = cancel

	// Authenticate and scope before anything else goes out.
	join, _ := json.Marshal(struct {
		RoomID domain.RoomID `json:"roomId"`
		Token  string        `json:"token"`
	}{RoomID: roomID, Token: credential})
	frame, _ := json.Marshal(envelope{Type: evJoinRoom, Data: join})
	conn.send <- frame

	s.setStateLocked(core.StateConnected)
	s.mu.Unlock()

	s.log.Info().Str("room", string(roomID)).Msg("connected")

	go s.writePump(pumpCtx, conn)
	go s.readPump(pumpCtx, gen, conn)
}

// Disconnect releases the channel and every registered listener.
// Safe to call when already disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.teardownLocked()
	s.gen++
	s.handlers = make(map[string]map[string]core.EventHandler)
	s.setStateLocked(core.StateDisconnected)
	s.stateSubs = make(map[string]core.StateHandler)
	s.mu.Unlock()
	s.log.Info().Msg("disconnected")
}

func (s *Session) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) State() core.ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setStateLocked records the transition and schedules observer callbacks
// outside the lock.
func (s *Session) setStateLocked(st core.ChannelState) {
	if s.state == st {
		return
	}
	s.state = st
	if len(s.stateSubs) == 0 {
		return
	}
	subs := make([]core.StateHandler, 0, len(s.stateSubs))
	for _, h := range s.stateSubs {
		subs = append(subs, h)
	}
	fn := func() {
		for _, h := range subs {
			h(st)
		}
	}
	select {
	case s.notify <- fn:
	default:
		go fn()
	}
}

func (s *Session) Subscribe(event string, h core.EventHandler) core.Subscription {
	sub := core.Subscription{Event: event, ID: uuid.NewString()}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.handlers[event]
	if !ok {
		m = make(map[string]core.EventHandler)
		s.handlers[event] = m
	}
	m[sub.ID] = h
	return sub
}

func (s *Session) Unsubscribe(sub core.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.handlers[sub.Event]; ok {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(s.handlers, sub.Event)
		}
	}
	delete(s.stateSubs, sub.ID)
}

func (s *Session) SubscribeState(h core.StateHandler) core.Subscription {
	sub := core.Subscription{ID: uuid.NewString()}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateSubs[sub.ID] = h
	return sub
}

// Emit sends one event, best-effort. Dropped with an error when the channel
// is not connected or the send buffer is full.
func (s *Session) Emit(event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	st := s.state
	s.mu.Unlock()
	if st != core.StateConnected || conn == nil {
		return core.ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Type: event, Data: data})
	if err != nil {
		return err
	}
	return conn.TrySend(frame)
}

func (s *Session) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context, gen uint64, c *wsConn) {
	defer func() {
		c.Close()
		s.mu.Lock()
		if s.gen == gen {
			// Transport died underneath us, not an explicit Disconnect.
			s.conn = nil
			s.setStateLocked(core.StateDisconnected)
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				s.log.Warn().Err(err).Msg("readPump read error")
				return
			}
			s.dispatch(data)
		}
	}
}

// dispatch runs handlers sequentially on the read goroutine so events keep
// server-send order.
func (s *Session) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Error().Err(err).Msg("bad frame")
		return
	}

	s.mu.Lock()
	m := s.handlers[env.Type]
	hs := make([]core.EventHandler, 0, len(m))
	for _, h := range m {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	if len(hs) == 0 {
		s.log.Debug().Str("event", env.Type).Msg("no handlers")
		return
	}
	for _, h := range hs {
		h(env.Data)
	}
}
