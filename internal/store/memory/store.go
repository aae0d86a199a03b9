// Package memory provides an in-memory implementation of the room store.
package memory

import (
	"context"
	"sync"

	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/store"
)

// Store implements store.RoomStore with a mutex-guarded map.
type Store struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]domain.Room
}

func NewStore() *Store {
	return &Store{rooms: make(map[domain.RoomID]domain.Room)}
}

func (s *Store) SaveRoom(ctx context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = *room
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := r
	return &out, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		cp := r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) CompareAndSwapState(ctx context.Context, id domain.RoomID, from, to domain.RoomState) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.State != from {
		return nil, store.ErrStateConflict
	}
	r.State = to
	s.rooms[id] = r
	out := r
	return &out, nil
}
