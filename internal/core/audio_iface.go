package core

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is one outgoing audio track with a mute gate. The enabled flag
// is the single source of truth for the local mute state.
type LocalTrack interface {
	RTP() *webrtc.TrackLocalStaticRTP
	Enabled() bool
	SetEnabled(bool)
}

// CaptureSource owns the local audio capture. Acquiring it can fail
// (device missing, permission denied); that failure is fatal to a voice
// join attempt but to nothing else.
type CaptureSource interface {
	Tracks() []LocalTrack
	// SetEnabled flips every track as one operation.
	SetEnabled(enabled bool)
	// Muted is derived from track state, never tracked separately.
	Muted() bool
	// Close stops capture and releases the device.
	Close()
}

// AudioSink is the playback end for one remote peer, owned 1:1 with that
// peer's media connection. Stop must be safe to call more than once.
type AudioSink interface {
	WriteRTP(*rtp.Packet) error
	Stop()
}
