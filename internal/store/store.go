// Package store defines the durable room store boundary.
package store

import (
	"context"
	"errors"

	"github.com/voxhall/voxhall/internal/domain"
)

var (
	// ErrNotFound is returned when no room exists for the given id.
	ErrNotFound = errors.New("room not found")
	// ErrStateConflict is returned by CompareAndSwapState when the stored
	// state no longer matches the expected one.
	ErrStateConflict = errors.New("room state conflict")
)

// RoomStore persists room records. Rooms are never deleted; they only move
// through their lifecycle states.
type RoomStore interface {
	SaveRoom(ctx context.Context, room *domain.Room) error
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	ListRooms(ctx context.Context) ([]*domain.Room, error)

	// CompareAndSwapState atomically moves a room from one lifecycle state
	// to another and returns the updated record. It fails with
	// ErrStateConflict if the stored state is not `from`. Lifecycle
	// transitions must go through this primitive, never through SaveRoom.
	CompareAndSwapState(ctx context.Context, id domain.RoomID, from, to domain.RoomState) (*domain.Room, error)
}
