package voice

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mukstoo/vtt-client/internal/core"
)

// pumpTrack reads RTP packets from a remote peer's audio track and feeds
// them into that peer's sink until the track dies or the connection context
// is cancelled. One pump per remote track.
func pumpTrack(ctx context.Context, track *webrtc.TrackRemote, sink core.AudioSink, logger zerolog.Logger) {
	logger.Info().Str("track_id", track.ID()).Msg("audio pump started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("audio pump ctx done")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Warn().Err(err).Msg("audio pump read error, stopping")
			return
		}
		if err := sink.WriteRTP(pkt); err != nil {
			logger.Warn().Err(err).Msg("audio pump sink error, stopping")
			return
		}
	}
}
