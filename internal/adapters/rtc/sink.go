package rtc

import (
	"io"
	"sync"

	"github.com/pion/rtp"
)

// WriterSink renders a remote audio track's payloads to an io.Writer
// (typically a playout device). While muted it drops packets without
// detaching from the track.
type WriterSink struct {
	mu    sync.Mutex
	muted bool
	w     io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	muted := s.muted
	s.mu.Unlock()
	if muted {
		return nil
	}
	_, err := s.w.Write(p.Payload)
	return err
}

func (s *WriterSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *WriterSink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}
