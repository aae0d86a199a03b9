package app_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/voxhall/internal/app"
	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/notify"
	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/internal/store/memory"
)

func validSpec() domain.RoomSpec {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	return domain.RoomSpec{
		Name:     "Standup",
		Capacity: 5,
		StartAt:  start,
		EndAt:    start.Add(30 * time.Minute),
		Timezone: "UTC",
	}
}

func newManager() *app.Manager {
	return app.NewManager(memory.NewStore(), notify.NewBus())
}

func TestCreateThenGet(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	room, err := m.Create(ctx, validSpec())
	require.NoError(t, err)

	got, err := m.Get(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomScheduled, got.State)
	assert.Equal(t, room.ID, got.ID)
}

func TestCreateRejectsBadSpec(t *testing.T) {
	m := newManager()
	spec := validSpec()
	spec.EndAt = spec.StartAt
	_, err := m.Create(context.Background(), spec)
	assert.ErrorIs(t, err, domain.ErrBadSchedule)
}

func TestAdmitOpensScheduledRoom(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	room, err := m.Create(ctx, validSpec())
	require.NoError(t, err)

	adm, err := m.Admit(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomOpen, adm.Room.State)

	// Second admission sees the room already open.
	adm2, err := m.Admit(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomOpen, adm2.Room.State)
}

func TestAdmitUnknownRoom(t *testing.T) {
	m := newManager()
	_, err := m.Admit(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdmitClosedRoom(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	room, err := m.Create(ctx, validSpec())
	require.NoError(t, err)
	_, err = m.Close(ctx, room.ID)
	require.NoError(t, err)

	_, err = m.Admit(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrRoomClosed)
}

func TestAdmitConcurrentFirstJoins(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	room, err := m.Create(ctx, validSpec())
	require.NoError(t, err)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Admit(ctx, room.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
	}
	got, err := m.Get(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomOpen, got.State)
}

func TestAdmitEnforcesCapacity(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	spec := validSpec()
	spec.Capacity = 2
	room, err := m.Create(ctx, spec)
	require.NoError(t, err)

	m.Join(room.ID, "sid-1")
	m.Join(room.ID, "sid-2")
	assert.Equal(t, 2, m.Occupancy(room.ID))

	_, err = m.Admit(ctx, room.ID)
	assert.ErrorIs(t, err, app.ErrRoomFull)

	m.Leave(room.ID, "sid-1")
	_, err = m.Admit(ctx, room.ID)
	assert.NoError(t, err)
}

// Concurrent joins racing for the last slot: exactly one reservation wins.
func TestAdmitSessionAtomicAtCapacity(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	spec := validSpec()
	spec.Capacity = 2
	room, err := m.Create(ctx, spec)
	require.NoError(t, err)
	m.Join(room.ID, "sid-0")

	const n = 8
	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AdmitSession(ctx, room.ID, fmt.Sprintf("sid-%d", i+1))
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.ErrorIs(t, err, app.ErrRoomFull)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&wins))
	assert.Equal(t, 2, m.Occupancy(room.ID))
}

func TestAdmitSessionReadmitKeepsSlot(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	spec := validSpec()
	spec.Capacity = 1
	room, err := m.Create(ctx, spec)
	require.NoError(t, err)

	_, err = m.AdmitSession(ctx, room.ID, "sid-1")
	require.NoError(t, err)
	_, err = m.AdmitSession(ctx, room.ID, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Occupancy(room.ID))

	_, err = m.AdmitSession(ctx, room.ID, "sid-2")
	assert.ErrorIs(t, err, app.ErrRoomFull)

	m.Leave(room.ID, "sid-1")
	_, err = m.AdmitSession(ctx, room.ID, "sid-2")
	assert.NoError(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	room, err := m.Create(ctx, validSpec())
	require.NoError(t, err)

	first, err := m.Close(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomClosed, first.State)

	second, err := m.Close(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomClosed, second.State)
	assert.Equal(t, first.ID, second.ID)
}

func TestCloseOpenRoom(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	room, err := m.Create(ctx, validSpec())
	require.NoError(t, err)
	_, err = m.Admit(ctx, room.ID)
	require.NoError(t, err)

	closed, err := m.Close(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomClosed, closed.State)
}

func TestLeaveUnknownSessionIsNoop(t *testing.T) {
	m := newManager()
	m.Leave("room", "ghost")
	assert.Equal(t, 0, m.Occupancy("room"))
}

func TestLifecycleEventsPublished(t *testing.T) {
	bus := notify.NewBus()
	m := app.NewManager(memory.NewStore(), bus)
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []notify.EventKind
	unsub := bus.Subscribe(func(ev notify.Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	defer unsub()

	room, err := m.Create(ctx, validSpec())
	require.NoError(t, err)
	_, err = m.Admit(ctx, room.ID)
	require.NoError(t, err)
	_, err = m.Close(ctx, room.ID)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []notify.EventKind{notify.RoomCreated, notify.RoomOpened, notify.RoomClosed}, kinds)
}
