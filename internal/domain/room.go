// Package domain contains entities and their validation rules, no transport
// or lifecycle logic.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxRoomNameLen = 100
	MinCapacity    = 1
	MaxCapacity    = 11
	// DefaultCapacity is applied when a room spec leaves capacity unset.
	DefaultCapacity = 11
)

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrBadCapacity     = errors.New("capacity out of range")
	ErrBadSchedule     = errors.New("end time must be after start time")
	// ErrRoomClosed is returned by any operation that requires a room to
	// still be joinable. Closed is terminal; no room re-opens.
	ErrRoomClosed = errors.New("room closed")
)

type RoomID string

// RoomState is the lifecycle state of a room. Transitions are monotonic:
// scheduled -> open -> closed, and closed is terminal.
type RoomState string

const (
	RoomScheduled RoomState = "scheduled"
	RoomOpen      RoomState = "open"
	RoomClosed    RoomState = "closed"
)

type Room struct {
	ID        RoomID    `json:"id"`
	Name      string    `json:"name"`
	Capacity  int       `json:"capacity"`
	StartAt   time.Time `json:"startAt"`
	EndAt     time.Time `json:"endAt"`
	Timezone  string    `json:"timezone"`
	Recurring bool      `json:"recurring"`
	State     RoomState `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomSpec is the host-supplied description of a room to schedule.
type RoomSpec struct {
	Name      string    `json:"name"`
	Capacity  int       `json:"capacity"`
	StartAt   time.Time `json:"startAt"`
	EndAt     time.Time `json:"endAt"`
	Timezone  string    `json:"timezone"`
	Recurring bool      `json:"recurring"`
}

// Validate normalizes and checks the spec. A zero capacity is replaced with
// DefaultCapacity before the range check.
func (s *RoomSpec) Validate() error {
	if len(s.Name) == 0 {
		return ErrRoomNameEmpty
	}
	if len(s.Name) > MaxRoomNameLen {
		return ErrRoomNameTooLong
	}
	if s.Capacity == 0 {
		s.Capacity = DefaultCapacity
	}
	if s.Capacity < MinCapacity || s.Capacity > MaxCapacity {
		return ErrBadCapacity
	}
	if !s.EndAt.After(s.StartAt) {
		return ErrBadSchedule
	}
	return nil
}

// NewRoom builds a scheduled room from a validated spec and assigns a fresh id.
func NewRoom(spec RoomSpec) (*Room, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Room{
		ID:        RoomID(uuid.NewString()),
		Name:      spec.Name,
		Capacity:  spec.Capacity,
		StartAt:   spec.StartAt,
		EndAt:     spec.EndAt,
		Timezone:  spec.Timezone,
		Recurring: spec.Recurring,
		State:     RoomScheduled,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (r *Room) Closed() bool { return r.State == RoomClosed }
