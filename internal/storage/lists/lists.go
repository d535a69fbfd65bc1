// Package lists implements list-type collections over the shard engine.
//
// Only the write-side mechanics the reclamation machinery depends on live
// here: elements are written under the meta record's current version, and a
// clear is one meta write that bumps the version, leaving the old elements
// for the background filters. Sets and hashes follow the same meta/element
// shape and are not separately implemented.
package lists

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidekv/tidekv/internal/storage"
	"github.com/tidekv/tidekv/internal/storage/codec"
)

// ErrNotFound is returned for operations on a missing or expired list.
var ErrNotFound = errors.New("lists: not found")

// Store provides list operations on top of one shard's engine.
type Store struct {
	engine storage.Engine

	// One writer at a time per store keeps the read-modify-write of the
	// meta record consistent. Reads (Len, Index) take no lock.
	mu sync.Mutex

	// clock is overridable in tests; nil means wall clock.
	clock func() int64
}

// New creates a list store over the engine.
func New(engine storage.Engine) *Store {
	return &Store{engine: engine}
}

// Push appends values to the tail of the list, creating it (under a fresh
// generation) if it is missing or expired.
func (s *Store) Push(ctx context.Context, key []byte, values ...[]byte) (uint64, error) {
	if len(values) == 0 {
		return s.Len(ctx, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, live, err := s.loadMeta(ctx, key)
	if err != nil {
		return 0, err
	}
	if !live {
		// Recreation continues the version chain of any stale record so
		// the version for this key never moves backwards.
		if meta == nil {
			meta = codec.NewMeta(0)
		}
		meta.Count = 0
		meta.ExpireAt = 0
		meta.UpdateVersion()
	}

	for i, v := range values {
		ek := codec.NewElementKey(key, meta.Version, codec.IndexMember(meta.Count+uint64(i)))
		if err := s.engine.Put(ctx, storage.NamespaceData, ek.Encode(), v); err != nil {
			return 0, fmt.Errorf("lists: put element: %w", err)
		}
	}
	meta.Count += uint64(len(values))

	if err := s.engine.Put(ctx, storage.NamespaceMeta, key, meta.Encode()); err != nil {
		return 0, fmt.Errorf("lists: put meta: %w", err)
	}
	return meta.Count, nil
}

// Len returns the number of elements, 0 for a missing or expired list.
func (s *Store) Len(ctx context.Context, key []byte) (uint64, error) {
	meta, live, err := s.loadMeta(ctx, key)
	if err != nil {
		return 0, err
	}
	if !live {
		return 0, nil
	}
	return meta.Count, nil
}

// Index returns the element at position i.
func (s *Store) Index(ctx context.Context, key []byte, i uint64) ([]byte, error) {
	meta, live, err := s.loadMeta(ctx, key)
	if err != nil {
		return nil, err
	}
	if !live || i >= meta.Count {
		return nil, ErrNotFound
	}

	ek := codec.NewElementKey(key, meta.Version, codec.IndexMember(i))
	v, err := s.engine.Get(ctx, storage.NamespaceData, ek.Encode())
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// Clear logically empties the list in O(1): one meta write bumping the
// version and zeroing the count. The element bytes stay on disk until a
// reclamation pass visits them.
func (s *Store) Clear(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, live, err := s.loadMeta(ctx, key)
	if err != nil {
		return err
	}
	if !live {
		return ErrNotFound
	}

	meta.UpdateVersion()
	meta.Count = 0
	meta.ExpireAt = 0
	if err := s.engine.Put(ctx, storage.NamespaceMeta, key, meta.Encode()); err != nil {
		return fmt.Errorf("lists: put meta: %w", err)
	}
	return nil
}

// Expire sets a relative TTL on the list. Expiration is likewise O(1): once
// the deadline passes, the meta record and every element become reclaimable
// without further writes.
func (s *Store) Expire(ctx context.Context, key []byte, seconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, live, err := s.loadMeta(ctx, key)
	if err != nil {
		return err
	}
	if !live {
		return ErrNotFound
	}

	meta.SetRelativeTimestamp(seconds)
	if err := s.engine.Put(ctx, storage.NamespaceMeta, key, meta.Encode()); err != nil {
		return fmt.Errorf("lists: put meta: %w", err)
	}
	return nil
}

// Drop deletes the meta record outright. Orphaned elements are collected by
// the data filter on the next pass.
func (s *Store) Drop(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Delete(ctx, storage.NamespaceMeta, key)
}

// loadMeta fetches and decodes the meta record. live is false when the list
// is missing, expired, or undecodable; meta is still returned for a stale
// record so writers can continue its version chain.
func (s *Store) loadMeta(ctx context.Context, key []byte) (*codec.CollectionMeta, bool, error) {
	raw, err := s.engine.Get(ctx, storage.NamespaceMeta, key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lists: get meta: %w", err)
	}
	meta, err := codec.DecodeMeta(raw)
	if err != nil {
		return nil, false, nil
	}
	if meta.Expired(s.now()) {
		return meta, false, nil
	}
	return meta, true, nil
}

func (s *Store) now() int64 {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().Unix()
}
