// Package presence carries the room's ephemeral feeds over the event
// channel: chat delivery, typing indicators and dice results. Chat is
// fire-and-forget on send; the local list grows only from broadcasts, so
// the sender's own echoed message is appended exactly once.
package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mukstoo/vtt-client/internal/core"
	"github.com/mukstoo/vtt-client/internal/domain"
)

const (
	evSendChat    = "send_chat"
	evChatMessage = "chat_message"
	evTyping      = "typing"
	evUserTyping  = "user_typing"
	evRollDice    = "roll_dice"
	evDiceResult  = "dice_result"
)

// DefaultTypingTTL is how long a typing announcement stays fresh without
// further input, locally and as remote sides should treat it.
const DefaultTypingTTL = 2 * time.Second

type Config struct {
	TypingTTL time.Duration
}

func DefaultConfig() Config {
	return Config{TypingTTL: DefaultTypingTTL}
}

type typingEntry struct {
	username string
	expire   *time.Timer
}

type Presence struct {
	ch   core.EventChannel
	self domain.UserID
	cfg  Config
	log  zerolog.Logger

	mu          sync.Mutex
	closed      bool
	messages    []domain.ChatMessage
	rolls       []domain.DiceRoll
	typing      map[domain.UserID]*typingEntry
	selfTyping  bool
	typingTimer *time.Timer
	subs        []core.Subscription
}

func New(ch core.EventChannel, self domain.UserID, cfg Config, logger zerolog.Logger) *Presence {
	return &Presence{
		ch:     ch,
		self:   self,
		cfg:    cfg,
		log:    logger.With().Str("module", "presence").Logger(),
		typing: make(map[domain.UserID]*typingEntry),
	}
}

func (p *Presence) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs,
		p.ch.Subscribe(evChatMessage, p.onMessage),
		p.ch.Subscribe(evUserTyping, p.onTyping),
		p.ch.Subscribe(evDiceResult, p.onDiceResult),
	)
}

func (p *Presence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, sub := range p.subs {
		p.ch.Unsubscribe(sub)
	}
	p.subs = nil
	if p.typingTimer != nil {
		p.typingTimer.Stop()
		p.typingTimer = nil
	}
	for _, e := range p.typing {
		e.expire.Stop()
	}
	p.typing = make(map[domain.UserID]*typingEntry)
}

// LoadHistory full-replaces the local list with the server snapshot.
func (p *Presence) LoadHistory(msgs []domain.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append([]domain.ChatMessage(nil), msgs...)
}

// Send is fire-and-forget; the message shows up locally only when the
// server echoes it back as a broadcast.
func (p *Presence) Send(content string) error {
	payload := struct {
		Content string `json:"content"`
	}{Content: content}
	if err := p.ch.Emit(evSendChat, payload); err != nil {
		return err
	}
	p.StopTyping()
	return nil
}

// NotifyInput announces typing and re-arms the inactivity expiry. Remote
// sides treat the announcement as stale after the same span.
func (p *Presence) NotifyInput() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	wasTyping := p.selfTyping
	p.selfTyping = true
	if p.typingTimer != nil {
		p.typingTimer.Stop()
	}
	p.typingTimer = time.AfterFunc(p.cfg.TypingTTL, p.StopTyping)
	p.mu.Unlock()

	if !wasTyping {
		p.emitTyping(true)
	}
}

func (p *Presence) StopTyping() {
	p.mu.Lock()
	if !p.selfTyping {
		p.mu.Unlock()
		return
	}
	p.selfTyping = false
	if p.typingTimer != nil {
		p.typingTimer.Stop()
		p.typingTimer = nil
	}
	p.mu.Unlock()
	p.emitTyping(false)
}

func (p *Presence) emitTyping(typing bool) {
	payload := struct {
		Typing bool `json:"typing"`
	}{Typing: typing}
	if err := p.ch.Emit(evTyping, payload); err != nil {
		p.log.Debug().Err(err).Msg("typing announce dropped")
	}
}

// Roll asks the server to roll; the result comes back as a broadcast.
func (p *Presence) Roll(formula string) error {
	payload := struct {
		Formula string `json:"formula"`
	}{Formula: formula}
	return p.ch.Emit(evRollDice, payload)
}

func (p *Presence) Messages() []domain.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatMessage(nil), p.messages...)
}

func (p *Presence) Rolls() []domain.DiceRoll {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.DiceRoll(nil), p.rolls...)
}

// TypingUsers lists usernames currently typing, self excluded.
func (p *Presence) TypingUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.typing))
	for _, e := range p.typing {
		out = append(out, e.username)
	}
	return out
}

func (p *Presence) onMessage(data json.RawMessage) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.log.Error().Err(err).Msg("bad chat payload")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	// A delivered message supersedes that user's typing indicator.
	p.clearTypingLocked(msg.User.ID)
}

func (p *Presence) onTyping(data json.RawMessage) {
	var ev struct {
		UserID   domain.UserID `json:"userId"`
		Username string        `json:"username"`
		Typing   bool          `json:"typing"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		p.log.Error().Err(err).Msg("bad typing payload")
		return
	}
	if ev.UserID == p.self {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if !ev.Typing {
		p.clearTypingLocked(ev.UserID)
		return
	}
	if e, ok := p.typing[ev.UserID]; ok {
		e.expire.Reset(p.cfg.TypingTTL)
		return
	}
	uid := ev.UserID
	p.typing[uid] = &typingEntry{
		username: ev.Username,
		expire: time.AfterFunc(p.cfg.TypingTTL, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.clearTypingLocked(uid)
		}),
	}
}

func (p *Presence) clearTypingLocked(uid domain.UserID) {
	if e, ok := p.typing[uid]; ok {
		e.expire.Stop()
		delete(p.typing, uid)
	}
}

func (p *Presence) onDiceResult(data json.RawMessage) {
	var roll domain.DiceRoll
	if err := json.Unmarshal(data, &roll); err != nil {
		p.log.Error().Err(err).Msg("bad dice payload")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolls = append(p.rolls, roll)
}
