package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/notify"
)

// DefaultConnectTimeout bounds the transport connect attempt; without it a
// stalled network leaves a session connecting forever.
const DefaultConnectTimeout = 15 * time.Second

var (
	ErrSessionDisposed = errors.New("session disposed")
	ErrConnectFailed   = errors.New("connect failed")
)

// Session is one client's connection session for one room attempt. It
// exclusively owns its transport handle. A disconnected session is dead:
// retrying means creating a new session, never resurrecting this one.
type Session struct {
	id     SessionID
	roomID domain.RoomID

	mu          sync.Mutex
	state       ConnState
	muted       bool
	deafened    bool
	pendingMute *bool
	disposed    bool

	transport      MediaTransport
	roster         *Roster
	bus            *notify.Bus
	connectTimeout time.Duration
	releaseOnce    sync.Once
}

func NewSession(roomID domain.RoomID, transport MediaTransport, roster *Roster, bus *notify.Bus, connectTimeout time.Duration) *Session {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	s := &Session{
		id:             SessionID(uuid.NewString()),
		roomID:         roomID,
		state:          StateIdle,
		transport:      transport,
		roster:         roster,
		bus:            bus,
		connectTimeout: connectTimeout,
	}
	s.bindTransport()
	return s
}

func (s *Session) ID() SessionID        { return s.id }
func (s *Session) RoomID() domain.RoomID { return s.roomID }

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) IsDeafened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deafened
}

func (s *Session) Roster() *Roster { return s.roster }

// bindTransport routes transport events into session state and the roster.
// The transport delivers events for one session in order; these handlers
// never call back into the transport.
func (s *Session) bindTransport() {
	s.transport.OnStateChanged(s.onStateChanged)
	s.transport.OnParticipantConnected(func(p ParticipantInfo) { s.roster.Upsert(p) })
	s.transport.OnParticipantDisconnected(func(p ParticipantInfo) { s.roster.Remove(p.SID) })
	s.transport.OnSpeakingChanged(s.roster.SetSpeaking)
	s.transport.OnAudioMutedChanged(s.roster.SetAudioMuted)
}

// Start connects the transport. Only one underlying connect may ever be in
// flight: a second Start while connecting or connected is a no-op. The call
// suspends until the transport reports connected, fails, or the timeout
// fires; a session torn down mid-connect discards the eventual result.
func (s *Session) Start(ctx context.Context, url, token string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	err := s.transport.Connect(ctx, url, token, DefaultConnectOptions())

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	if s.state == StateDisconnected {
		// The transport reported a terminal disconnect while the connect
		// was still in flight; the handle is already released and the
		// session stays dead regardless of what Connect returned.
		s.mu.Unlock()
		return fmt.Errorf("%w: disconnected during connect", ErrConnectFailed)
	}
	if err != nil {
		s.state = StateDisconnected
		s.mu.Unlock()
		s.release()
		log.Error().Err(err).Str("module", "core.session").Str("sid", string(s.id)).Msg("connect failed")
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	s.state = StateConnected
	pending := s.pendingMute
	s.pendingMute = nil
	s.mu.Unlock()

	if pending != nil {
		// Mute intent queued while connecting, applied now that the local
		// publication exists.
		if err := s.transport.SetMicEnabled(!*pending); err != nil {
			log.Error().Err(err).Str("module", "core.session").Str("sid", string(s.id)).Msg("apply queued mute")
		}
	}
	log.Info().Str("module", "core.session").Str("sid", string(s.id)).Str("room", string(s.roomID)).Msg("connected")
	return nil
}

func (s *Session) onStateChanged(st ConnState) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	var ev *notify.Event
	terminal := false
	switch st {
	case StateReconnecting:
		if s.state == StateConnected {
			s.state = StateReconnecting
			ev = &notify.Event{Kind: notify.SessionNotice, RoomID: s.roomID, Detail: "reconnecting"}
		}
	case StateConnected:
		// Transport-driven reconnect finished; no redundant start issued.
		if s.state == StateReconnecting {
			s.state = StateConnected
		}
	case StateDisconnected:
		if s.state == StateConnected || s.state == StateReconnecting || s.state == StateConnecting {
			s.state = StateDisconnected
			terminal = true
			ev = &notify.Event{Kind: notify.SessionNotice, RoomID: s.roomID, Detail: "disconnected"}
		}
	}
	s.mu.Unlock()

	if terminal {
		s.release()
	}
	if ev != nil {
		s.bus.Publish(*ev)
	}
}

// ToggleMute flips local mute. While the connect is still in flight the
// intent is queued and applied once the publication exists, so the toggle
// cannot race the connect.
func (s *Session) ToggleMute() {
	s.mu.Lock()
	if s.disposed || s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.muted = !s.muted
	target := s.muted
	apply := s.state == StateConnected || s.state == StateReconnecting
	if !apply {
		s.pendingMute = &target
	}
	s.mu.Unlock()

	if apply {
		if err := s.transport.SetMicEnabled(!target); err != nil {
			log.Error().Err(err).Str("module", "core.session").Str("sid", string(s.id)).Msg("set mic")
		}
	}
}

// ToggleDeafen silences (or restores) every remote sink without touching
// outgoing audio or what the roster reports. Each track's
// detach-mutate-reattach runs with the track latched, so it cannot
// interleave with that track's removal.
func (s *Session) ToggleDeafen() {
	s.mu.Lock()
	if s.disposed || s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.deafened = !s.deafened
	deafened := s.deafened
	s.mu.Unlock()

	s.transport.EachRemoteAudio(func(t RemoteAudioTrack) {
		sinks := t.DetachSinks()
		for _, sink := range sinks {
			sink.SetMuted(deafened)
		}
		for _, sink := range sinks {
			t.AttachSink(sink)
		}
	})
}

// Close tears the session down. The transport handle is released exactly
// once no matter which state the session was in; repeated calls are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.state = StateDisconnected
	s.mu.Unlock()
	s.release()
	log.Info().Str("module", "core.session").Str("sid", string(s.id)).Msg("session closed")
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.transport.Disconnect()
	})
}
