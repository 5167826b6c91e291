// Package media provides the local capture pipeline and per-peer playback
// sinks for the voice mesh.
package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Track wraps one outgoing RTP track with an atomic enabled gate. The gate
// is the single source of truth for the local mute state; a disabled track
// silently drops frames instead of detaching from peers.
type Track struct {
	rtp     *webrtc.TrackLocalStaticRTP
	enabled atomic.Bool
}

func NewTrack(rtp *webrtc.TrackLocalStaticRTP) *Track {
	t := &Track{rtp: rtp}
	t.enabled.Store(true)
	return t
}

func (t *Track) RTP() *webrtc.TrackLocalStaticRTP { return t.rtp }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }
