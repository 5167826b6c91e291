package media

import (
	"io"
	"sync"

	"github.com/pion/rtp"
)

// WriterSink plays one remote peer's audio by writing raw RTP payloads to
// an io.Writer (a decoder pipe, a file, a test buffer). Stop is idempotent;
// writes after Stop are dropped.
type WriterSink struct {
	mu      sync.Mutex
	w       io.Writer
	stopped bool
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	_, err := s.w.Write(pkt.Payload)
	return err
}

func (s *WriterSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if c, ok := s.w.(io.Closer); ok {
		_ = c.Close()
	}
}

// DiscardSink drops every frame. Used when playback is disabled but the
// connection should stay healthy.
type DiscardSink struct{}

func (DiscardSink) WriteRTP(*rtp.Packet) error { return nil }
func (DiscardSink) Stop()                      {}
