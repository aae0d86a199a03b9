package notify_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/voxhall/voxhall/internal/notify"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := notify.NewBus()

	var got []notify.Event
	unsub := b.Subscribe(func(ev notify.Event) { got = append(got, ev) })
	defer unsub()

	b.Publish(notify.Event{Kind: notify.RoomCreated, RoomID: "r1"})
	b.Publish(notify.Event{Kind: notify.RoomClosed, RoomID: "r1"})

	assert.Len(t, got, 2)
	assert.Equal(t, notify.RoomCreated, got[0].Kind)
	assert.Equal(t, notify.RoomClosed, got[1].Kind)
}

func TestPublishStampsTime(t *testing.T) {
	b := notify.NewBus()

	var got notify.Event
	unsub := b.Subscribe(func(ev notify.Event) { got = ev })
	defer unsub()

	b.Publish(notify.Event{Kind: notify.RoomOpened})
	assert.WithinDuration(t, time.Now(), got.At, time.Second)

	fixed := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	b.Publish(notify.Event{Kind: notify.RoomOpened, At: fixed})
	assert.True(t, got.At.Equal(fixed))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := notify.NewBus()

	count := 0
	unsub := b.Subscribe(func(notify.Event) { count++ })

	b.Publish(notify.Event{Kind: notify.RoomCreated})
	unsub()
	unsub()
	b.Publish(notify.Event{Kind: notify.RoomCreated})

	assert.Equal(t, 1, count)
}

func TestSubscribersAreIndependent(t *testing.T) {
	b := notify.NewBus()

	a, c := 0, 0
	unsubA := b.Subscribe(func(notify.Event) { a++ })
	unsubC := b.Subscribe(func(notify.Event) { c++ })
	defer unsubC()

	b.Publish(notify.Event{Kind: notify.ParticipantJoined})
	unsubA()
	b.Publish(notify.Event{Kind: notify.ParticipantLeft})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, c)
}
