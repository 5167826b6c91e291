package media

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mukstoo/vtt-client/internal/core"
)

// FrameSource is where capture frames come from: a real audio device in a
// full client, a silence generator in the headless one, a script in tests.
type FrameSource interface {
	// ReadRTP blocks until the next frame is available.
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

// Capture implements core.CaptureSource: it owns the local outgoing tracks
// and the pump that feeds them from the frame source.
type Capture struct {
	tracks []*Track
	src    FrameSource
	cancel context.CancelFunc
}

// OpenCapture acquires the frame source's track and starts pumping. The
// returned Capture must be Closed by its owner.
func OpenCapture(ctx context.Context, src FrameSource) (*Capture, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "vtt-mic",
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Capture{
		tracks: []*Track{NewTrack(local)},
		src:    src,
		cancel: cancel,
	}
	go c.pump(ctx)
	return c, nil
}

func (c *Capture) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, err := c.src.ReadRTP()
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Msg("capture source read error, stopping")
			return
		}
		for _, t := range c.tracks {
			if !t.Enabled() {
				continue
			}
			if err := t.RTP().WriteRTP(pkt); err != nil {
				log.Debug().Err(err).Str("module", "media").Msg("capture write dropped")
			}
		}
	}
}

func (c *Capture) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, len(c.tracks))
	for i, t := range c.tracks {
		out[i] = t
	}
	return out
}

// SetEnabled flips every track as one operation.
func (c *Capture) SetEnabled(enabled bool) {
	for _, t := range c.tracks {
		t.SetEnabled(enabled)
	}
}

// Muted is derived from track state: muted means no track is enabled.
func (c *Capture) Muted() bool {
	for _, t := range c.tracks {
		if t.Enabled() {
			return false
		}
	}
	return true
}

func (c *Capture) Close() {
	c.cancel()
	if err := c.src.Close(); err != nil {
		log.Debug().Err(err).Str("module", "media").Msg("capture source close")
	}
}

const (
	opusFrameInterval = 20 * time.Millisecond
	opusClockRate     = 48000
	opusFrameSamples  = opusClockRate / 50
)

// opus DTX silence frame
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// SilenceSource emits opus silence frames at the nominal rate. It keeps the
// mesh's RTP flow alive for a headless client with no audio device.
type SilenceSource struct {
	seq  uint16
	ts   uint32
	ssrc uint32
	tick *time.Ticker
	done chan struct{}
}

func NewSilenceSource() *SilenceSource {
	return &SilenceSource{
		seq:  uint16(rand.Uint32()),
		ts:   rand.Uint32(),
		ssrc: rand.Uint32(),
		tick: time.NewTicker(opusFrameInterval),
		done: make(chan struct{}),
	}
}

func (s *SilenceSource) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-s.done:
		return nil, context.Canceled
	case <-s.tick.C:
	}
	s.seq++
	s.ts += opusFrameSamples
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: opusSilence,
	}, nil
}

func (s *SilenceSource) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	s.tick.Stop()
	close(s.done)
	return nil
}
