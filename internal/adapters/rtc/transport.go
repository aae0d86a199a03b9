// Package rtc implements core.MediaTransport over a pion PeerConnection
// with WebSocket signaling.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/core"
	"github.com/voxhall/voxhall/internal/domain"
)

var ErrAlreadyConnected = errors.New("transport already connected")

func DefaultWebRTCConfig(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// Transport drives one PeerConnection plus its signaling channel. It is
// owned exclusively by one core.Session.
type Transport struct {
	cfg webrtc.Configuration

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	sig       *sigClient
	started   bool
	closed    bool
	tracks    map[string]*remoteTrack
	mic       *micTrack
	connected chan struct{}
	failed    chan error
	answer    chan webrtc.SessionDescription
	sidCh     chan string

	onState      func(core.ConnState)
	onPeerJoined func(core.ParticipantInfo)
	onPeerLeft   func(core.ParticipantInfo)
	onSpeaking   func(string, bool)
	onAudioMuted func(string, bool)
}

func NewTransport(cfg webrtc.Configuration) *Transport {
	return &Transport{
		cfg:       cfg,
		tracks:    make(map[string]*remoteTrack),
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
		answer:    make(chan webrtc.SessionDescription, 1),
		sidCh:     make(chan string, 1),
	}
}

func (t *Transport) OnStateChanged(fn func(core.ConnState))                  { t.onState = fn }
func (t *Transport) OnParticipantConnected(fn func(core.ParticipantInfo))    { t.onPeerJoined = fn }
func (t *Transport) OnParticipantDisconnected(fn func(core.ParticipantInfo)) { t.onPeerLeft = fn }
func (t *Transport) OnSpeakingChanged(fn func(string, bool))                 { t.onSpeaking = fn }
func (t *Transport) OnAudioMutedChanged(fn func(string, bool))               { t.onAudioMuted = fn }

// Connect dials signaling, negotiates the PeerConnection, and blocks until
// the connection is up, the attempt fails, or ctx is done.
func (t *Transport) Connect(ctx context.Context, url, token string, opts core.ConnectOptions) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.started = true
	t.mu.Unlock()

	sig, err := dialSignal(ctx, url, token)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}
	sig.onEnvelope = t.handleEnvelope
	sig.run(ctx)

	// The join ack carries the session id the server assigned us. It keys
	// the outgoing stream, so peers can match tracks to presence events.
	var localSID string
	select {
	case localSID = <-t.sidCh:
	case <-ctx.Done():
		sig.Close()
		return ctx.Err()
	}

	pc, err := webrtc.NewPeerConnection(t.cfg)
	if err != nil {
		sig.Close()
		return fmt.Errorf("new peer connection: %w", err)
	}

	mic, err := newMicTrack(pc, localSID)
	if err != nil {
		sig.Close()
		_ = pc.Close()
		return fmt.Errorf("add mic track: %w", err)
	}

	t.mu.Lock()
	t.pc = pc
	t.sig = sig
	t.mic = mic
	t.mu.Unlock()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			t.signalConnected()
			t.emitState(core.StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			// ICE may still recover; surface as a transient reconnect.
			t.emitState(core.StateReconnecting)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.signalFailed(fmt.Errorf("peer connection %s", s))
			t.emitState(core.StateDisconnected)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			sig.sendCandidate(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		// The publisher's stream id is its session id, matching the SID in
		// peer-left envelopes.
		rt := t.addRemoteTrack(track.StreamID())
		go rt.readLoop(track)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Disconnect()
		return fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Disconnect()
		return fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete
	sig.sendOffer(pc.LocalDescription().SDP, opts)

	select {
	case answer := <-t.answer:
		if err := pc.SetRemoteDescription(answer); err != nil {
			t.Disconnect()
			return fmt.Errorf("set remote description: %w", err)
		}
	case err := <-t.failed:
		t.Disconnect()
		return err
	case <-ctx.Done():
		t.Disconnect()
		return ctx.Err()
	}

	select {
	case <-t.connected:
		return nil
	case err := <-t.failed:
		t.Disconnect()
		return err
	case <-ctx.Done():
		t.Disconnect()
		return ctx.Err()
	}
}

// Disconnect releases the peer connection and signaling channel. Only the
// first call does work.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pc, sig := t.pc, t.sig
	tracks := make([]*remoteTrack, 0, len(t.tracks))
	for _, rt := range t.tracks {
		tracks = append(tracks, rt)
	}
	t.tracks = make(map[string]*remoteTrack)
	t.mu.Unlock()

	for _, rt := range tracks {
		rt.markRemoved()
	}
	if sig != nil {
		sig.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close peer connection")
		} else {
			log.Info().Str("module", "rtc").Msg("peer connection closed")
		}
	}
}

func (t *Transport) SetMicEnabled(enabled bool) error {
	t.mu.Lock()
	mic, sig, closed := t.mic, t.sig, t.closed
	t.mu.Unlock()
	if closed || mic == nil {
		return errors.New("no local publication")
	}
	mic.setEnabled(enabled)
	if sig != nil {
		sig.sendMuted(!enabled)
	}
	return nil
}

// WriteMicRTP feeds captured microphone packets into the local
// publication; packets are dropped while the mic is disabled.
func (t *Transport) WriteMicRTP(payload []byte, samples uint32) error {
	t.mu.Lock()
	mic := t.mic
	t.mu.Unlock()
	if mic == nil {
		return errors.New("no local publication")
	}
	return mic.write(payload, samples)
}

func (t *Transport) EachRemoteAudio(fn func(core.RemoteAudioTrack)) {
	t.mu.Lock()
	tracks := make([]*remoteTrack, 0, len(t.tracks))
	for _, rt := range t.tracks {
		tracks = append(tracks, rt)
	}
	t.mu.Unlock()

	for _, rt := range tracks {
		rt.latch(fn)
	}
}

func (t *Transport) addRemoteTrack(sid string) *remoteTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rt, ok := t.tracks[sid]; ok {
		return rt
	}
	rt := newRemoteTrack(sid)
	t.tracks[sid] = rt
	return rt
}

func (t *Transport) removeRemoteTrack(sid string) {
	t.mu.Lock()
	rt, ok := t.tracks[sid]
	delete(t.tracks, sid)
	t.mu.Unlock()
	if ok {
		rt.markRemoved()
	}
}

func (t *Transport) signalConnected() {
	t.mu.Lock()
	select {
	case <-t.connected:
	default:
		close(t.connected)
	}
	t.mu.Unlock()
}

func (t *Transport) signalFailed(err error) {
	select {
	case t.failed <- err:
	default:
	}
}

func (t *Transport) emitState(s core.ConnState) {
	if t.onState != nil {
		t.onState(s)
	}
}

func (t *Transport) handleEnvelope(env envelope) {
	switch env.Type {
	case typeJoin:
		select {
		case t.sidCh <- env.SID:
		default:
		}
	case typeAnswer:
		select {
		case t.answer <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}:
		default:
		}
	case typeCandidate:
		t.mu.Lock()
		pc := t.pc
		t.mu.Unlock()
		if pc == nil {
			return
		}
		cand := webrtc.ICECandidateInit{Candidate: env.Candidate}
		if env.SDPMid != "" {
			mid := env.SDPMid
			cand.SDPMid = &mid
		}
		idx := env.SDPMLineIndex
		cand.SDPMLineIndex = &idx
		if err := pc.AddICECandidate(cand); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("add ice candidate")
		}
	case typePeerJoined:
		if t.onPeerJoined != nil {
			t.onPeerJoined(core.ParticipantInfo{SID: env.SID, Identity: env.Identity, Role: domain.Role(env.Role)})
		}
	case typePeerLeft:
		t.removeRemoteTrack(env.SID)
		if t.onPeerLeft != nil {
			t.onPeerLeft(core.ParticipantInfo{SID: env.SID})
		}
	case typeSpeaking:
		if t.onSpeaking != nil {
			t.onSpeaking(env.SID, env.Speaking)
		}
	case typeMuted:
		if t.onAudioMuted != nil {
			t.onAudioMuted(env.SID, env.Muted)
		}
	default:
		log.Warn().Str("module", "rtc").Str("type", env.Type).Msg("unknown envelope")
	}
}
