package core_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/voxhall/internal/core"
	"github.com/voxhall/voxhall/internal/notify"
)

type fakeSink struct {
	mu    sync.Mutex
	muted bool
}

func (s *fakeSink) WriteRTP(p *rtp.Packet) error { return nil }

func (s *fakeSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *fakeSink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

type fakeTrack struct {
	sid   string
	sinks []core.AudioSink
}

func (t *fakeTrack) ParticipantSID() string { return t.sid }

func (t *fakeTrack) DetachSinks() []core.AudioSink {
	out := t.sinks
	t.sinks = nil
	return out
}

func (t *fakeTrack) AttachSink(sink core.AudioSink) {
	t.sinks = append(t.sinks, sink)
}

type fakeTransport struct {
	mu           sync.Mutex
	connectCalls int32
	connectDelay time.Duration
	connectGate  chan struct{}
	connectErr   error
	disconnects  int32
	micStates    []bool
	tracks       []*fakeTrack

	onState     func(core.ConnState)
	onConnected func(core.ParticipantInfo)
	onLeft      func(core.ParticipantInfo)
	onSpeaking  func(string, bool)
	onMuted     func(string, bool)
}

func (f *fakeTransport) Connect(ctx context.Context, url, token string, opts core.ConnectOptions) error {
	atomic.AddInt32(&f.connectCalls, 1)
	if f.connectDelay > 0 {
		select {
		case <-time.After(f.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.connectGate != nil {
		select {
		case <-f.connectGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {
	atomic.AddInt32(&f.disconnects, 1)
}

func (f *fakeTransport) SetMicEnabled(enabled bool) error {
	f.mu.Lock()
	f.micStates = append(f.micStates, enabled)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) EachRemoteAudio(fn func(core.RemoteAudioTrack)) {
	f.mu.Lock()
	tracks := append([]*fakeTrack(nil), f.tracks...)
	f.mu.Unlock()
	for _, t := range tracks {
		fn(t)
	}
}

func (f *fakeTransport) OnStateChanged(fn func(core.ConnState))                  { f.onState = fn }
func (f *fakeTransport) OnParticipantConnected(fn func(core.ParticipantInfo))    { f.onConnected = fn }
func (f *fakeTransport) OnParticipantDisconnected(fn func(core.ParticipantInfo)) { f.onLeft = fn }
func (f *fakeTransport) OnSpeakingChanged(fn func(string, bool))                 { f.onSpeaking = fn }
func (f *fakeTransport) OnAudioMutedChanged(fn func(string, bool))               { f.onMuted = fn }

func (f *fakeTransport) micCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.micStates...)
}

func newTestSession(tr *fakeTransport) *core.Session {
	return core.NewSession("room-1", tr, core.NewRoster(), notify.NewBus(), time.Second)
}

func TestStartConnects(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr)

	require.NoError(t, s.Start(context.Background(), "ws://x", "tok"))
	assert.Equal(t, core.StateConnected, s.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.connectCalls))
}

// A second Start while connecting is a no-op: only one underlying
// transport connect ever happens.
func TestStartConcurrentIsNoop(t *testing.T) {
	tr := &fakeTransport{connectDelay: 50 * time.Millisecond}
	s := newTestSession(tr)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(context.Background(), "ws://x", "tok")
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.connectCalls))
	assert.Equal(t, core.StateConnected, s.State())
}

func TestStartTimeout(t *testing.T) {
	tr := &fakeTransport{connectDelay: time.Minute}
	s := core.NewSession("room-1", tr, core.NewRoster(), notify.NewBus(), 20*time.Millisecond)

	err := s.Start(context.Background(), "ws://x", "tok")
	assert.ErrorIs(t, err, core.ErrConnectFailed)
	// Never stuck in connecting: timeout resolves to disconnected.
	assert.Equal(t, core.StateDisconnected, s.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.disconnects))
}

func TestStartAfterCloseIsRejected(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr)
	s.Close()

	err := s.Start(context.Background(), "ws://x", "tok")
	assert.ErrorIs(t, err, core.ErrSessionDisposed)
	assert.Equal(t, int32(0), atomic.LoadInt32(&tr.connectCalls))
}

func TestToggleMuteConnected(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr)
	require.NoError(t, s.Start(context.Background(), "ws://x", "tok"))

	s.ToggleMute()
	assert.True(t, s.IsMuted())
	s.ToggleMute()
	assert.False(t, s.IsMuted())

	assert.Equal(t, []bool{false, true}, tr.micCalls())
}

// Mute intent during connect is queued, never racing the in-flight
// connect, and applied once the publication exists.
func TestToggleMuteWhileConnecting(t *testing.T) {
	tr := &fakeTransport{connectDelay: 50 * time.Millisecond}
	s := newTestSession(tr)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), "ws://x", "tok") }()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, core.StateConnecting, s.State())
	s.ToggleMute()
	assert.True(t, s.IsMuted())
	assert.Empty(t, tr.micCalls())

	require.NoError(t, <-done)
	assert.Equal(t, []bool{false}, tr.micCalls())
}

func TestToggleDeafenRoundTrip(t *testing.T) {
	sinks := []*fakeSink{{}, {}, {}}
	tr := &fakeTransport{tracks: []*fakeTrack{
		{sid: "s1", sinks: []core.AudioSink{sinks[0], sinks[1]}},
		{sid: "s2", sinks: []core.AudioSink{sinks[2]}},
	}}
	s := newTestSession(tr)
	require.NoError(t, s.Start(context.Background(), "ws://x", "tok"))

	s.ToggleDeafen()
	assert.True(t, s.IsDeafened())
	for _, sink := range sinks {
		assert.True(t, sink.Muted())
	}
	// Sinks stay attached after the detach-mutate-reattach cycle.
	assert.Len(t, tr.tracks[0].sinks, 2)
	assert.Len(t, tr.tracks[1].sinks, 1)

	s.ToggleDeafen()
	assert.False(t, s.IsDeafened())
	for _, sink := range sinks {
		assert.False(t, sink.Muted())
	}
}

func TestCloseReleasesTransportOnce(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr)
	require.NoError(t, s.Start(context.Background(), "ws://x", "tok"))

	s.Close()
	s.Close()
	s.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.disconnects))
	assert.Equal(t, core.StateDisconnected, s.State())
}

func TestTransportReconnectingIsTransient(t *testing.T) {
	tr := &fakeTransport{}
	bus := notify.NewBus()
	var mu sync.Mutex
	var notices []string
	unsub := bus.Subscribe(func(ev notify.Event) {
		mu.Lock()
		notices = append(notices, ev.Detail)
		mu.Unlock()
	})
	defer unsub()

	s := core.NewSession("room-1", tr, core.NewRoster(), bus, time.Second)
	require.NoError(t, s.Start(context.Background(), "ws://x", "tok"))

	tr.onState(core.StateReconnecting)
	assert.Equal(t, core.StateReconnecting, s.State())

	tr.onState(core.StateConnected)
	assert.Equal(t, core.StateConnected, s.State())
	// The transport-driven recovery issued no second connect.
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.connectCalls))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"reconnecting"}, notices)
}

// A terminal disconnect delivered while the connect is still in flight wins:
// the eventual connect result is discarded and the session stays dead.
func TestDisconnectDuringConnectStaysTerminal(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{connectGate: gate}
	s := newTestSession(tr)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), "ws://x", "tok") }()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, core.StateConnecting, s.State())

	tr.onState(core.StateDisconnected)
	require.Equal(t, core.StateDisconnected, s.State())

	close(gate)
	err := <-done
	assert.ErrorIs(t, err, core.ErrConnectFailed)
	assert.Equal(t, core.StateDisconnected, s.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.disconnects))
}

func TestTransportDisconnectIsTerminal(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr)
	require.NoError(t, s.Start(context.Background(), "ws://x", "tok"))

	tr.onState(core.StateDisconnected)
	assert.Equal(t, core.StateDisconnected, s.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.disconnects))

	// A dead session cannot be restarted; a new one must be created.
	require.NoError(t, s.Start(context.Background(), "ws://x", "tok"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.connectCalls))
}

func TestTransportEventsFeedRoster(t *testing.T) {
	tr := &fakeTransport{}
	roster := core.NewRoster()
	s := core.NewSession("room-1", tr, roster, notify.NewBus(), time.Second)
	require.NoError(t, s.Start(context.Background(), "ws://x", "tok"))

	tr.onConnected(core.ParticipantInfo{SID: "s1", Identity: "Alice"})
	tr.onConnected(core.ParticipantInfo{SID: "s2", Identity: "Bob"})
	tr.onSpeaking("s1", true)
	assert.Equal(t, 2, roster.Count())

	tr.onLeft(core.ParticipantInfo{SID: "s1"})
	assert.Equal(t, 1, roster.Count())
	assert.Equal(t, "Bob", roster.Snapshot()[0].Identity)
}
