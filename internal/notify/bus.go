// Package notify is the explicit event bus that presentation layers consume.
// The core publishes lifecycle and session facts here; it never renders them.
package notify

import (
	"sync"
	"time"

	"github.com/voxhall/voxhall/internal/domain"
)

type EventKind string

const (
	RoomCreated       EventKind = "room.created"
	RoomOpened        EventKind = "room.opened"
	RoomClosed        EventKind = "room.closed"
	ParticipantJoined EventKind = "participant.joined"
	ParticipantLeft   EventKind = "participant.left"
	// SessionNotice carries transient, non-fatal session notifications,
	// e.g. a transport-driven reconnect in progress.
	SessionNotice EventKind = "session.notice"
)

type Event struct {
	Kind    EventKind     `json:"kind"`
	RoomID  domain.RoomID `json:"roomId,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	At      time.Time     `json:"at"`
	Payload any           `json:"payload,omitempty"`
}

// Handler receives events synchronously; slow consumers should hand off to
// their own queue.
type Handler func(Event)

// Bus fans events out to subscribers. Unsubscribing is done through the
// token returned by Subscribe, never by mutating shared state elsewhere.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers a handler and returns its unsubscribe token. The
// token is idempotent.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
