// Package app owns the room lifecycle state machine and admission checks.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/notify"
	"github.com/voxhall/voxhall/internal/store"
)

// ErrRoomFull is returned by Admit when live occupancy has reached the
// room's capacity.
var ErrRoomFull = errors.New("room full")

// Admission is the proof that a join attempt passed lifecycle checks; the
// token issuer consumes it downstream.
type Admission struct {
	Room *domain.Room
	At   time.Time
}

// Manager drives rooms through scheduled -> open -> closed. All transitions
// go through the store's compare-and-swap primitive, so two simultaneous
// first joins race safely.
type Manager struct {
	store store.RoomStore
	bus   *notify.Bus

	mu        sync.RWMutex
	occupants map[domain.RoomID]map[string]struct{}
}

func NewManager(st store.RoomStore, bus *notify.Bus) *Manager {
	return &Manager{
		store:     st,
		bus:       bus,
		occupants: make(map[domain.RoomID]map[string]struct{}),
	}
}

// Create validates the spec and persists a fresh room in state scheduled.
func (m *Manager) Create(ctx context.Context, spec domain.RoomSpec) (*domain.Room, error) {
	room, err := domain.NewRoom(spec)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveRoom(ctx, room); err != nil {
		return nil, err
	}
	log.Info().Str("module", "app.lifecycle").Str("room", string(room.ID)).Str("name", room.Name).Msg("room created")
	m.bus.Publish(notify.Event{Kind: notify.RoomCreated, RoomID: room.ID, Payload: room})
	return room, nil
}

func (m *Manager) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	return m.store.GetRoom(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*domain.Room, error) {
	return m.store.ListRooms(ctx)
}

// Admit decides whether the room may be joined right now. The first
// admission moves a scheduled room to open; losing that race to another
// admission is fine, losing it to a close is not. The capacity check here
// is advisory (no slot is held); AdmitSession is the reserving variant.
func (m *Manager) Admit(ctx context.Context, id domain.RoomID) (*Admission, error) {
	room, err := m.admitRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Occupancy(id) >= room.Capacity {
		return nil, ErrRoomFull
	}
	return &Admission{Room: room, At: time.Now().UTC()}, nil
}

// AdmitSession admits and reserves an occupancy slot in one step, so two
// concurrent joins racing for the last slot cannot both get in. Re-admitting
// a live session keeps its existing slot.
func (m *Manager) AdmitSession(ctx context.Context, id domain.RoomID, sessionID string) (*Admission, error) {
	room, err := m.admitRoom(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	set, ok := m.occupants[id]
	if !ok {
		set = make(map[string]struct{})
		m.occupants[id] = set
	}
	if _, present := set[sessionID]; present {
		m.mu.Unlock()
		return &Admission{Room: room, At: time.Now().UTC()}, nil
	}
	if len(set) >= room.Capacity {
		m.mu.Unlock()
		return nil, ErrRoomFull
	}
	set[sessionID] = struct{}{}
	m.mu.Unlock()

	log.Info().Str("module", "app.lifecycle").Str("room", string(id)).Str("sid", sessionID).Msg("participant joined")
	m.bus.Publish(notify.Event{Kind: notify.ParticipantJoined, RoomID: id, Detail: sessionID})
	return &Admission{Room: room, At: time.Now().UTC()}, nil
}

// admitRoom runs the lifecycle checks shared by Admit and AdmitSession.
func (m *Manager) admitRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := m.store.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if room.Closed() {
		return nil, domain.ErrRoomClosed
	}

	if room.State == domain.RoomScheduled {
		opened, err := m.store.CompareAndSwapState(ctx, id, domain.RoomScheduled, domain.RoomOpen)
		switch {
		case err == nil:
			room = opened
			log.Info().Str("module", "app.lifecycle").Str("room", string(id)).Msg("room opened on first admission")
			m.bus.Publish(notify.Event{Kind: notify.RoomOpened, RoomID: id, Payload: room})
		case errors.Is(err, store.ErrStateConflict):
			if room, err = m.store.GetRoom(ctx, id); err != nil {
				return nil, err
			}
			if room.Closed() {
				return nil, domain.ErrRoomClosed
			}
		default:
			return nil, err
		}
	}

	return room, nil
}

// Close moves the room to its terminal state. Closing an already-closed
// room is a no-op success so host retry logic stays simple.
func (m *Manager) Close(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	for {
		room, err := m.store.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if room.Closed() {
			return room, nil
		}
		closed, err := m.store.CompareAndSwapState(ctx, id, room.State, domain.RoomClosed)
		if errors.Is(err, store.ErrStateConflict) {
			// Someone transitioned the room underneath us; re-read.
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Info().Str("module", "app.lifecycle").Str("room", string(id)).Msg("room closed")
		m.bus.Publish(notify.Event{Kind: notify.RoomClosed, RoomID: id, Payload: closed})
		return closed, nil
	}
}

// Join records a live participant for the capacity check.
func (m *Manager) Join(roomID domain.RoomID, sessionID string) {
	m.mu.Lock()
	set, ok := m.occupants[roomID]
	if !ok {
		set = make(map[string]struct{})
		m.occupants[roomID] = set
	}
	set[sessionID] = struct{}{}
	m.mu.Unlock()
	log.Info().Str("module", "app.lifecycle").Str("room", string(roomID)).Str("sid", sessionID).Msg("participant joined")
	m.bus.Publish(notify.Event{Kind: notify.ParticipantJoined, RoomID: roomID, Detail: sessionID})
}

// Leave is a silent no-op for unknown sessions; transports may deliver
// duplicate disconnects.
func (m *Manager) Leave(roomID domain.RoomID, sessionID string) {
	m.mu.Lock()
	set, ok := m.occupants[roomID]
	if ok {
		if _, ok = set[sessionID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(m.occupants, roomID)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("module", "app.lifecycle").Str("room", string(roomID)).Str("sid", sessionID).Msg("participant left")
	m.bus.Publish(notify.Event{Kind: notify.ParticipantLeft, RoomID: roomID, Detail: sessionID})
}

func (m *Manager) Occupancy(roomID domain.RoomID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.occupants[roomID])
}
