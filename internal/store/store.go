// Package store is an in-memory object store whose per-object operations
// are serialized through a keyed Serializer, plus the FBM handler that
// exposes it.
package store

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtingers/fbmd/internal/fbm"
	"github.com/mtingers/fbmd/internal/serializer"
)

var (
	ErrNotFound   = errors.New("store: object not found")
	ErrMaxObjects = errors.New("store: max objects reached")
	ErrTooLarge   = errors.New("store: object exceeds max size")
	ErrInvalidID  = errors.New("store: invalid object id")
)

// Object is a stored value. Data is never mutated after it is stored, so
// callers may read it without holding the object.
type Object struct {
	ID          string
	Data        []byte
	ContentType fbm.ContentType
	Version     uint64
	Modified    time.Time
}

// Config bounds the store. Zero means unlimited.
type Config struct {
	MaxObjects     int
	MaxObjectSize  int
	SerializerPool int
}

// Stats is a snapshot of store counters.
type Stats struct {
	Objects    int              `json:"objects"`
	Bytes      int64            `json:"bytes"`
	Gets       uint64           `json:"gets"`
	Upserts    uint64           `json:"upserts"`
	Deletes    uint64           `json:"deletes"`
	Serializer serializer.Stats `json:"serializer"`
}

// Store holds objects by id.
type Store struct {
	cfg Config
	ser *serializer.Serializer[string]
	log *slog.Logger

	mu      sync.RWMutex
	objects map[string]*Object
	bytes   int64

	gets    atomic.Uint64
	upserts atomic.Uint64
	deletes atomic.Uint64
}

// New creates an empty store.
func New(cfg Config, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		cfg:     cfg,
		ser:     serializer.New[string](cfg.SerializerPool),
		log:     log,
		objects: make(map[string]*Object),
	}
}

func (s *Store) lookup(id string) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	return obj, ok
}

// Get returns the object stored under id.
func (s *Store) Get(ctx context.Context, id string) (Object, error) {
	if id == "" {
		return Object{}, ErrInvalidID
	}
	s.gets.Add(1)
	var out Object
	err := s.ser.Do(ctx, id, func() error {
		obj, ok := s.lookup(id)
		if !ok {
			return ErrNotFound
		}
		out = *obj
		return nil
	})
	return out, err
}

// Upsert stores data under id, replacing any previous value. If newID is
// non-empty and differs from id, the object moves to newID and id is
// removed. It reports whether a new object was created.
func (s *Store) Upsert(ctx context.Context, id, newID string, data []byte, ct fbm.ContentType) (Object, bool, error) {
	if id == "" {
		return Object{}, false, ErrInvalidID
	}
	if s.cfg.MaxObjectSize > 0 && len(data) > s.cfg.MaxObjectSize {
		return Object{}, false, ErrTooLarge
	}
	s.upserts.Add(1)

	target := id
	if newID != "" && newID != id {
		target = newID
	}
	unlock, err := s.lockKeys(ctx, id, target)
	if err != nil {
		return Object{}, false, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	old, existed := s.objects[target]
	src, srcExisted := s.objects[id]
	moving := target != id && srcExisted
	if !existed && !moving && s.cfg.MaxObjects > 0 && len(s.objects) >= s.cfg.MaxObjects {
		return Object{}, false, ErrMaxObjects
	}

	obj := &Object{
		ID:          target,
		Data:        data,
		ContentType: ct,
		Version:     1,
		Modified:    time.Now(),
	}
	if existed {
		obj.Version = old.Version + 1
		s.bytes -= int64(len(old.Data))
	}
	if moving {
		s.bytes -= int64(len(src.Data))
		delete(s.objects, id)
	}
	s.objects[target] = obj
	s.bytes += int64(len(data))
	return *obj, !existed, nil
}

// Delete removes id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	s.deletes.Add(1)
	return s.ser.Do(ctx, id, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		obj, ok := s.objects[id]
		if !ok {
			return ErrNotFound
		}
		s.bytes -= int64(len(obj.Data))
		delete(s.objects, id)
		return nil
	})
}

// lockKeys acquires one or two object ids in a fixed order so concurrent
// renames in opposite directions cannot deadlock.
func (s *Store) lockKeys(ctx context.Context, a, b string) (func(), error) {
	if a == b {
		if err := s.ser.Wait(ctx, a); err != nil {
			return nil, err
		}
		return func() { s.ser.Release(a) }, nil
	}
	if cmp.Less(b, a) {
		a, b = b, a
	}
	if err := s.ser.Wait(ctx, a); err != nil {
		return nil, err
	}
	if err := s.ser.Wait(ctx, b); err != nil {
		s.ser.Release(a)
		return nil, err
	}
	return func() {
		s.ser.Release(b)
		s.ser.Release(a)
	}, nil
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{Objects: len(s.objects), Bytes: s.bytes}
	s.mu.RUnlock()
	st.Gets = s.gets.Load()
	st.Upserts = s.upserts.Load()
	st.Deletes = s.deletes.Load()
	st.Serializer = s.ser.Stats()
	return st
}

// Serializer exposes the keyed serializer guarding the objects.
func (s *Store) Serializer() *serializer.Serializer[string] { return s.ser }
