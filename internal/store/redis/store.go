// Package redis provides a Redis-backed implementation of the room store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/store"
)

// casRetries bounds optimistic-lock retries on contended transitions.
const casRetries = 5

// Options configures the Redis connection and key layout.
type Options struct {
	// URI takes precedence over Addr when set, e.g. redis://host:6379/0.
	URI       string
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	// RoomTTL expires room records; zero keeps them forever.
	RoomTTL time.Duration
}

// Store implements store.RoomStore on top of a Redis client. Room records
// are JSON values, plus a set of known ids for listing.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewStore(opts Options) (*Store, error) {
	var client *redis.Client
	if opts.URI != "" {
		opt, err := redis.ParseURL(opts.URI)
		if err != nil {
			return nil, fmt.Errorf("parse redis uri: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Username: opts.Username,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{client: client, keyPrefix: opts.KeyPrefix, ttl: opts.RoomTTL}, nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) roomKey(id domain.RoomID) string {
	return fmt.Sprintf("%srooms:%s", s.keyPrefix, id)
}

func (s *Store) indexKey() string {
	return s.keyPrefix + "rooms"
}

func (s *Store) SaveRoom(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.roomKey(room.ID), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), string(room.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save room: %w", err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := s.client.Get(ctx, s.roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("unmarshal room: %w", err)
	}
	return &room, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list room ids: %w", err)
	}
	out := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.GetRoom(ctx, domain.RoomID(id))
		if errors.Is(err, store.ErrNotFound) {
			// Record expired; leave the stale index entry alone.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, nil
}

// CompareAndSwapState runs the transition under WATCH so two concurrent
// first-joins cannot both observe `scheduled`.
func (s *Store) CompareAndSwapState(ctx context.Context, id domain.RoomID, from, to domain.RoomState) (*domain.Room, error) {
	key := s.roomKey(id)
	var updated domain.Room

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var room domain.Room
		if err := json.Unmarshal(data, &room); err != nil {
			return fmt.Errorf("unmarshal room: %w", err)
		}
		if room.State != from {
			return store.ErrStateConflict
		}
		room.State = to
		next, err := json.Marshal(&room)
		if err != nil {
			return fmt.Errorf("marshal room: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.ttl)
			return nil
		})
		if err == nil {
			updated = room
		}
		return err
	}

	var err error
	for i := 0; i < casRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if err == nil {
			return &updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("cas state: %w", err)
}
