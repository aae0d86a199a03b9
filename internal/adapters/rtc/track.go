package rtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/core"
)

// remoteTrack fans one remote audio publication out to attached sinks.
// Sink surgery (detach-mutate-reattach) happens under latch, so it can
// never interleave with this track's removal.
type remoteTrack struct {
	sid string

	mu      sync.Mutex
	removed bool
	sinks   []core.AudioSink
}

func newRemoteTrack(sid string) *remoteTrack {
	return &remoteTrack{sid: sid}
}

func (t *remoteTrack) ParticipantSID() string { return t.sid }

// latch runs fn with the track held against removal. DetachSinks and
// AttachSink are only legal inside fn.
func (t *remoteTrack) latch(fn func(core.RemoteAudioTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return
	}
	fn(t)
}

// DetachSinks removes and returns all sinks. Caller must hold the latch.
func (t *remoteTrack) DetachSinks() []core.AudioSink {
	out := t.sinks
	t.sinks = nil
	return out
}

// AttachSink reattaches a sink. Caller must hold the latch; a sink is never
// attached to a removed track.
func (t *remoteTrack) AttachSink(sink core.AudioSink) {
	if t.removed {
		return
	}
	t.sinks = append(t.sinks, sink)
}

// Attach adds a sink from outside the latch (initial wiring).
func (t *remoteTrack) Attach(sink core.AudioSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return
	}
	t.sinks = append(t.sinks, sink)
}

func (t *remoteTrack) markRemoved() {
	t.mu.Lock()
	t.removed = true
	t.sinks = nil
	t.mu.Unlock()
}

func (t *remoteTrack) readLoop(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "rtc").Str("sid", t.sid).Msg("read rtp")
			}
			return
		}
		t.deliver(pkt)
	}
}

func (t *remoteTrack) deliver(pkt *rtp.Packet) {
	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return
	}
	sinks := make([]core.AudioSink, len(t.sinks))
	copy(sinks, t.sinks)
	t.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.WriteRTP(pkt); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("sid", t.sid).Msg("sink write")
		}
	}
}

// micTrack is the local microphone publication. Disabling it drops packets
// at the source instead of tearing the sender down.
type micTrack struct {
	track   *webrtc.TrackLocalStaticRTP
	sender  *webrtc.RTPSender
	enabled atomic.Bool

	mu  sync.Mutex
	seq uint16
	ts  uint32
}

// newMicTrack publishes the local microphone. The stream id is the session
// id the signaling server assigned, so remote peers can key this track by
// the same id presence events carry.
func newMicTrack(pc *webrtc.PeerConnection, streamID string) (*micTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	m := &micTrack{track: track, sender: sender}
	m.enabled.Store(true)

	// Drain RTCP so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return m, nil
}

func (m *micTrack) setEnabled(enabled bool) { m.enabled.Store(enabled) }

func (m *micTrack) write(payload []byte, samples uint32) error {
	if !m.enabled.Load() {
		return nil
	}
	m.mu.Lock()
	m.seq++
	m.ts += samples
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: m.seq,
			Timestamp:      m.ts,
		},
		Payload: payload,
	}
	m.mu.Unlock()
	return m.track.WriteRTP(pkt)
}
