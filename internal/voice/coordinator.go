// Package voice negotiates a full mesh of pairwise audio connections among
// the room's participants, using the room event channel as the signaling
// transport. Each pair of peers holds exactly one media connection: the
// newer joiner calls every peer already present, existing peers answer.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mukstoo/vtt-client/internal/core"
	"github.com/mukstoo/vtt-client/internal/domain"
)

const (
	evJoin       = "voice_join"
	evLeave      = "voice_leave"
	evMute       = "voice_mute"
	evRoomPeers  = "voice_room_peers"
	evPeerJoined = "voice_peer_joined"
	evPeerLeft   = "voice_peer_left"
	evPeerMuted  = "voice_peer_muted"
	evOffer      = "voice_offer"
	evAnswer     = "voice_answer"
	evCandidate  = "voice_candidate"
)

var ErrNotJoined = errors.New("voice not joined")

// Phase is the per-session voice state machine.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitializing:
		return "initializing"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

type (
	// MediaFactory builds one pairwise connection towards a remote peer.
	MediaFactory func(peer domain.PeerID) (core.MediaConnection, error)
	// CaptureFactory acquires the local audio capture; failure is fatal to
	// the join attempt only.
	CaptureFactory func(ctx context.Context) (core.CaptureSource, error)
	// SinkFactory builds the playback sink for one remote peer.
	SinkFactory func(peer domain.PeerID) core.AudioSink
)

// link pairs a roster entry with the resources the coordinator owns for it.
type link struct {
	meta   domain.VoicePeer
	conn   core.MediaConnection
	sink   core.AudioSink
	caller bool
}

type Coordinator struct {
	ch         core.EventChannel
	roomID     domain.RoomID
	self       domain.User
	newMedia   MediaFactory
	newCapture CaptureFactory
	newSink    SinkFactory
	log        zerolog.Logger

	mu         sync.Mutex
	phase      Phase
	localID    domain.PeerID
	capture    core.CaptureSource
	peers      map[domain.PeerID]*link
	subs       []core.Subscription
	joinCtx    context.Context
	joinCancel context.CancelFunc
	lastErr    string
}

func NewCoordinator(
	ch core.EventChannel,
	roomID domain.RoomID,
	self domain.User,
	media MediaFactory,
	capture CaptureFactory,
	sink SinkFactory,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		ch:         ch,
		roomID:     roomID,
		self:       self,
		newMedia:   media,
		newCapture: capture,
		newSink:    sink,
		log:        logger.With().Str("module", "voice").Str("room", string(roomID)).Logger(),
		peers:      make(map[domain.PeerID]*link),
	}
}

// Join acquires local capture, registers the mesh listeners and announces
// membership. A capture failure aborts the attempt and releases everything
// acquired so far; other peers are unaffected.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseInitializing
	c.mu.Unlock()

	src, err := c.newCapture(ctx)
	if err != nil {
		c.mu.Lock()
		c.phase = PhaseIdle
		c.lastErr = "microphone access denied or not available"
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("capture acquisition failed")
		return err
	}

	c.mu.Lock()
	c.capture = src
	c.localID = domain.PeerID(uuid.NewString())
	c.joinCtx, c.joinCancel = context.WithCancel(ctx)
	c.subs = append(c.subs,
		c.ch.Subscribe(evRoomPeers, c.onRoomPeers),
		c.ch.Subscribe(evPeerJoined, c.onPeerJoined),
		c.ch.Subscribe(evPeerLeft, c.onPeerLeft),
		c.ch.Subscribe(evPeerMuted, c.onPeerMuted),
		c.ch.Subscribe(evOffer, c.onOffer),
		c.ch.Subscribe(evAnswer, c.onAnswer),
		c.ch.Subscribe(evCandidate, c.onCandidate),
	)
	localID := c.localID
	c.mu.Unlock()

	payload := struct {
		PeerID domain.PeerID `json:"peerId"`
	}{PeerID: localID}
	if err := c.ch.Emit(evJoin, payload); err != nil {
		c.log.Error().Err(err).Msg("voice join announce failed")
		c.Leave()
		c.mu.Lock()
		c.lastErr = "voice signaling unavailable"
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.phase = PhaseActive
	c.mu.Unlock()
	c.log.Info().Str("peer", string(localID)).Msg("joined voice")
	return nil
}

// Leave is the idempotent full teardown: every tracked connection closed,
// every sink stopped, capture released, departure announced.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	links := make([]*link, 0, len(c.peers))
	for _, l := range c.peers {
		links = append(links, l)
	}
	c.peers = make(map[domain.PeerID]*link)
	src := c.capture
	c.capture = nil
	localID := c.localID
	c.localID = ""
	cancel := c.joinCancel
	c.joinCancel = nil
	c.joinCtx = nil
	wasIdle := c.phase == PhaseIdle
	c.phase = PhaseIdle
	c.mu.Unlock()

	for _, sub := range subs {
		c.ch.Unsubscribe(sub)
	}
	for _, l := range links {
		c.releaseLink(l)
	}
	if src != nil {
		src.Close()
	}
	if cancel != nil {
		cancel()
	}
	if !wasIdle && localID != "" {
		payload := struct {
			PeerID domain.PeerID `json:"peerId"`
		}{PeerID: localID}
		if err := c.ch.Emit(evLeave, payload); err != nil {
			c.log.Debug().Err(err).Msg("leave announce dropped")
		}
		c.log.Info().Str("peer", string(localID)).Msg("left voice")
	}
}

// releaseLink is the triple cleanup: media connection, audio sink, roster
// entry (removed by the caller). It tolerates half-open connections.
func (c *Coordinator) releaseLink(l *link) {
	if l.conn != nil {
		l.conn.Close()
	}
	if l.sink != nil {
		l.sink.Stop()
	}
}

// ToggleMute flips every local outgoing track as one operation, derives the
// resulting flag from track state, and announces it.
func (c *Coordinator) ToggleMute() (bool, error) {
	c.mu.Lock()
	src := c.capture
	localID := c.localID
	c.mu.Unlock()
	if src == nil {
		return false, ErrNotJoined
	}

	src.SetEnabled(src.Muted())
	muted := src.Muted()

	payload := struct {
		PeerID  domain.PeerID `json:"peerId"`
		IsMuted bool          `json:"isMuted"`
	}{PeerID: localID, IsMuted: muted}
	if err := c.ch.Emit(evMute, payload); err != nil {
		c.log.Warn().Err(err).Msg("mute announce dropped")
	}
	return muted, nil
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) LocalPeerID() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID
}

// Muted is derived from local track state.
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return false
	}
	return c.capture.Muted()
}

// Peers returns the roster ordered by peer id.
func (c *Coordinator) Peers() []domain.VoicePeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.VoicePeer, 0, len(c.peers))
	for _, l := range c.peers {
		out = append(out, l.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// LastError reports the dismissible user-visible voice error, if any.
func (c *Coordinator) LastError() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr, c.lastErr != ""
}

func (c *Coordinator) DismissError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = ""
}

// onRoomPeers applies the membership snapshot received right after joining.
// The local endpoint is the newest member, so it initiates towards every
// peer already present; peers joining later initiate towards us instead.
func (c *Coordinator) onRoomPeers(data json.RawMessage) {
	var p struct {
		RoomID domain.RoomID      `json:"roomId"`
		Peers  []domain.VoicePeer `json:"peers"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("bad room peers payload")
		return
	}
	if p.RoomID != c.roomID {
		return
	}

	var toCall []domain.VoicePeer
	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return
	}
	fresh := make(map[domain.PeerID]*link, len(p.Peers))
	for _, peer := range p.Peers {
		if peer.PeerID == c.localID {
			continue
		}
		l, ok := c.peers[peer.PeerID]
		if !ok {
			l = &link{}
		}
		l.meta = peer
		fresh[peer.PeerID] = l
		if peer.Connected && l.conn == nil {
			toCall = append(toCall, peer)
		}
	}
	// Membership is full-replace: a tracked peer absent from the snapshot
	// is gone, and no later peer-left event will name it, so its media
	// resources must be released here.
	var stale []*link
	for id, l := range c.peers {
		if _, ok := fresh[id]; !ok && (l.conn != nil || l.sink != nil) {
			stale = append(stale, l)
		}
	}
	c.peers = fresh
	c.mu.Unlock()

	for _, l := range stale {
		c.releaseLink(l)
	}
	for _, peer := range toCall {
		c.callPeer(peer.PeerID)
	}
}

func (c *Coordinator) onPeerJoined(data json.RawMessage) {
	var p struct {
		RoomID domain.RoomID    `json:"roomId"`
		Peer   domain.VoicePeer `json:"peer"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("bad peer joined payload")
		return
	}
	if p.RoomID != c.roomID || p.Peer.PeerID == c.LocalPeerID() {
		return
	}

	// The newcomer calls us; we only record the roster entry and wait.
	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return
	}
	if l, ok := c.peers[p.Peer.PeerID]; ok {
		l.meta = p.Peer
	} else {
		c.peers[p.Peer.PeerID] = &link{meta: p.Peer}
	}
	c.mu.Unlock()
	c.log.Info().Str("peer", string(p.Peer.PeerID)).Str("user", p.Peer.Username).Msg("peer joined")
}

func (c *Coordinator) onPeerLeft(data json.RawMessage) {
	var p struct {
		RoomID domain.RoomID `json:"roomId"`
		PeerID domain.PeerID `json:"peerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("bad peer left payload")
		return
	}
	if p.RoomID != c.roomID {
		return
	}
	c.dropPeer(p.PeerID)
	c.log.Info().Str("peer", string(p.PeerID)).Msg("peer left")
}

// dropPeer removes the roster entry first, then releases resources, so a
// connection-closed callback racing in becomes a no-op.
func (c *Coordinator) dropPeer(id domain.PeerID) {
	c.mu.Lock()
	l, ok := c.peers[id]
	delete(c.peers, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.releaseLink(l)
}

func (c *Coordinator) onPeerMuted(data json.RawMessage) {
	var p struct {
		RoomID  domain.RoomID `json:"roomId"`
		PeerID  domain.PeerID `json:"peerId"`
		IsMuted bool          `json:"isMuted"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("bad peer muted payload")
		return
	}
	if p.RoomID != c.roomID {
		return
	}
	c.mu.Lock()
	if l, ok := c.peers[p.PeerID]; ok {
		l.meta.Muted = p.IsMuted
	}
	c.mu.Unlock()
}

// callPeer initiates the single outbound connection towards one peer that
// was already present when we joined. A failure here is contained to this
// pair and surfaced as a dismissible error.
func (c *Coordinator) callPeer(id domain.PeerID) {
	conn, err := c.setupConn(id, true)
	if err != nil {
		c.failPeer(id, "call setup failed", err)
		return
	}
	offer, err := conn.CreateAndSetOffer()
	if err != nil {
		c.failPeer(id, "offer failed", err)
		return
	}
	c.sendSDP(evOffer, id, offer.SDP)
	c.log.Info().Str("peer", string(id)).Msg("calling peer")
}

// onOffer answers an inbound call. Two peers can call each other at once
// only when they joined simultaneously; the tie-break is deterministic:
// the lexicographically smaller peer id stays the caller, the larger side
// abandons its own attempt and answers.
func (c *Coordinator) onOffer(data json.RawMessage) {
	var p struct {
		To   domain.PeerID `json:"to"`
		From domain.PeerID `json:"from"`
		SDP  string        `json:"sdp"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("bad offer payload")
		return
	}

	c.mu.Lock()
	localID := c.localID
	if localID == "" || p.To != localID {
		c.mu.Unlock()
		return
	}
	l := c.peers[p.From]
	var abandoned core.MediaConnection
	if l != nil && l.conn != nil && l.caller {
		if localID < p.From {
			// We win the tie-break; the other side will answer our offer.
			c.mu.Unlock()
			c.log.Info().Str("peer", string(p.From)).Msg("ignoring glare offer, we are caller")
			return
		}
		abandoned = l.conn
		l.conn = nil
		l.caller = false
	}
	c.mu.Unlock()
	if abandoned != nil {
		abandoned.Close()
		c.log.Info().Str("peer", string(p.From)).Msg("yielding glare offer, answering instead")
	}

	conn, err := c.setupConn(p.From, false)
	if err != nil {
		c.failPeer(p.From, "answer setup failed", err)
		return
	}
	answer, err := conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	})
	if err != nil {
		c.failPeer(p.From, "answer failed", err)
		return
	}
	c.sendSDP(evAnswer, p.From, answer.SDP)
	c.log.Info().Str("peer", string(p.From)).Msg("answered call")
}

func (c *Coordinator) onAnswer(data json.RawMessage) {
	var p struct {
		To   domain.PeerID `json:"to"`
		From domain.PeerID `json:"from"`
		SDP  string        `json:"sdp"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("bad answer payload")
		return
	}
	if p.To != c.LocalPeerID() {
		return
	}

	c.mu.Lock()
	l := c.peers[p.From]
	var conn core.MediaConnection
	if l != nil && l.conn != nil && l.caller {
		conn = l.conn
	}
	c.mu.Unlock()
	if conn == nil {
		c.log.Warn().Str("peer", string(p.From)).Msg("answer without outstanding offer")
		return
	}
	if err := conn.ApplyAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  p.SDP,
	}); err != nil {
		c.failPeer(p.From, "apply answer failed", err)
	}
}

func (c *Coordinator) onCandidate(data json.RawMessage) {
	var p struct {
		To            domain.PeerID `json:"to"`
		From          domain.PeerID `json:"from"`
		Candidate     string        `json:"candidate"`
		SDPMid        string        `json:"sdpMid"`
		SDPMLineIndex uint16        `json:"sdpMLineIndex"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("bad candidate payload")
		return
	}
	if p.To != c.LocalPeerID() {
		return
	}

	c.mu.Lock()
	l := c.peers[p.From]
	var conn core.MediaConnection
	if l != nil {
		conn = l.conn
	}
	c.mu.Unlock()
	if conn == nil {
		c.log.Debug().Str("peer", string(p.From)).Msg("candidate before connection, dropped")
		return
	}

	cand := webrtc.ICECandidateInit{Candidate: p.Candidate}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}
	cand.SDPMLineIndex = &p.SDPMLineIndex
	if err := conn.AddICECandidate(cand); err != nil {
		c.log.Error().Err(err).Str("peer", string(p.From)).Msg("add ice candidate")
	}
}

// setupConn builds and starts the pairwise connection towards id, wiring
// local tracks out and the remote track into this peer's sink.
func (c *Coordinator) setupConn(id domain.PeerID, caller bool) (core.MediaConnection, error) {
	conn, err := c.newMedia(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrNotJoined
	}
	src := c.capture
	ctx := c.joinCtx
	l, ok := c.peers[id]
	if !ok {
		l = &link{meta: domain.VoicePeer{PeerID: id}}
		c.peers[id] = l
	}
	l.conn = conn
	l.caller = caller
	c.mu.Unlock()

	if src != nil {
		for _, t := range src.Tracks() {
			if _, err := conn.AddLocalTrack(t.RTP()); err != nil {
				conn.Close()
				return nil, err
			}
		}
	}

	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		c.sendCandidate(id, ci)
	})
	conn.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.bindSink(trackCtx, id, track)
	})
	conn.OnClosed(func() {
		c.dropPeer(id)
	})

	if ctx == nil {
		ctx = context.Background()
	}
	if err := conn.Start(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// bindSink attaches the remote audio track to this peer's sink, creating it
// lazily and reusing it if the track renegotiates.
func (c *Coordinator) bindSink(ctx context.Context, id domain.PeerID, track *webrtc.TrackRemote) {
	c.mu.Lock()
	l, ok := c.peers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if l.sink == nil {
		l.sink = c.newSink(id)
	}
	sink := l.sink
	l.meta.Connected = true
	c.mu.Unlock()

	go pumpTrack(ctx, track, sink, c.log.With().Str("peer", string(id)).Logger())
}

// failPeer contains a pairwise failure: it releases that peer's resources
// and records a dismissible error without touching any other connection.
func (c *Coordinator) failPeer(id domain.PeerID, msg string, err error) {
	c.log.Error().Err(err).Str("peer", string(id)).Msg(msg)
	c.mu.Lock()
	l, ok := c.peers[id]
	var conn core.MediaConnection
	var sink core.AudioSink
	if ok {
		conn = l.conn
		sink = l.sink
		l.conn = nil
		l.sink = nil
		l.caller = false
	}
	c.lastErr = "voice connection error: " + msg
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if sink != nil {
		sink.Stop()
	}
}

func (c *Coordinator) sendSDP(event string, to domain.PeerID, sdp string) {
	payload := struct {
		To   domain.PeerID `json:"to"`
		From domain.PeerID `json:"from"`
		SDP  string        `json:"sdp"`
	}{To: to, From: c.LocalPeerID(), SDP: sdp}
	if err := c.ch.Emit(event, payload); err != nil {
		c.log.Warn().Err(err).Str("event", event).Str("peer", string(to)).Msg("signal dropped")
	}
}

func (c *Coordinator) sendCandidate(to domain.PeerID, ci webrtc.ICECandidateInit) {
	payload := struct {
		To            domain.PeerID `json:"to"`
		From          domain.PeerID `json:"from"`
		Candidate     string        `json:"candidate"`
		SDPMid        string        `json:"sdpMid,omitempty"`
		SDPMLineIndex uint16        `json:"sdpMLineIndex,omitempty"`
	}{To: to, From: c.LocalPeerID(), Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		payload.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		payload.SDPMLineIndex = *ci.SDPMLineIndex
	}
	if err := c.ch.Emit(evCandidate, payload); err != nil {
		c.log.Debug().Err(err).Str("peer", string(to)).Msg("candidate dropped")
	}
}
