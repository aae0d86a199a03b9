// Package core owns the client-side connection session and the live
// participant roster. The media transport itself is opaque: core drives it
// through the interfaces below and never reaches past them.
package core

import (
	"context"

	"github.com/pion/rtp"

	"github.com/voxhall/voxhall/internal/domain"
)

type SessionID string

// ConnState is the live connection state of one session.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type ConnectOptions struct {
	AutoSubscribe  bool
	AdaptiveStream bool
}

func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{AutoSubscribe: true, AdaptiveStream: true}
}

// ParticipantInfo describes a remote participant as the transport sees it.
// SID is unique per connection, not per identity: the same identity may
// reconnect under a new SID.
type ParticipantInfo struct {
	SID      string
	Identity string
	Role     domain.Role
}

// AudioSink is an output for one remote audio track. A muted sink drops
// packets instead of rendering them.
type AudioSink interface {
	WriteRTP(p *rtp.Packet) error
	SetMuted(muted bool)
	Muted() bool
}

// RemoteAudioTrack is one remote participant's audio publication.
// DetachSinks and AttachSink may only be called from inside
// MediaTransport.EachRemoteAudio, where the track is latched against
// removal.
type RemoteAudioTrack interface {
	ParticipantSID() string
	DetachSinks() []AudioSink
	AttachSink(sink AudioSink)
}

// MediaTransport is the opaque real-time media layer. The owning session
// holds the only reference; no other component may touch it.
type MediaTransport interface {
	// Connect blocks until the transport is connected, the attempt fails,
	// or ctx is done. It must be called at most once per transport.
	Connect(ctx context.Context, url, token string, opts ConnectOptions) error
	// Disconnect releases the underlying connection. Safe to call more
	// than once; only the first call does work.
	Disconnect()

	// SetMicEnabled enables or disables the local microphone publication.
	SetMicEnabled(enabled bool) error

	// EachRemoteAudio runs fn for every live remote audio track. The track
	// cannot be removed while fn runs.
	EachRemoteAudio(fn func(t RemoteAudioTrack))

	OnStateChanged(fn func(state ConnState))
	OnParticipantConnected(fn func(p ParticipantInfo))
	OnParticipantDisconnected(fn func(p ParticipantInfo))
	OnSpeakingChanged(fn func(sid string, speaking bool))
	OnAudioMutedChanged(fn func(sid string, muted bool))
}
