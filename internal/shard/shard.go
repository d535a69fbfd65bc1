// Package shard manages the per-shard state of one node: each shard owns an
// engine instance and a checkpoint directory, and is addressed by
// (db name, shard id).
package shard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/tidekv/tidekv/internal/storage"
)

// DefaultShardCount is the default number of shards a db is split into.
const DefaultShardCount = 256

// Common errors
var ErrShardExists = errors.New("shard: already registered")

// Shard is one independently checkpointed partition of a db's keyspace.
type Shard struct {
	DB string
	ID uint32

	// Engine is the shard's persistent engine.
	Engine storage.Engine

	// CheckpointRoot is the directory checkpoints are materialized under,
	// one subdirectory per snapshot generation.
	CheckpointRoot string

	bgSaving atomic.Bool
}

// IsBgSaving reports whether the shard is mid-checkpoint. While true, the
// transfer server abstains from answering metadata requests for this shard.
func (s *Shard) IsBgSaving() bool {
	return s.bgSaving.Load()
}

// BeginSave marks the shard as checkpointing. It fails when a save is
// already running so checkpoints never overlap.
func (s *Shard) BeginSave() bool {
	return s.bgSaving.CompareAndSwap(false, true)
}

// EndSave clears the checkpointing mark.
func (s *Shard) EndSave() {
	s.bgSaving.Store(false)
}

// Manager holds this node's shards, addressable by (db, shard id).
type Manager struct {
	mu     sync.RWMutex
	shards map[string]*Shard
}

// NewManager creates an empty shard manager.
func NewManager() *Manager {
	return &Manager{shards: make(map[string]*Shard)}
}

// Register adds a shard. Registering the same (db, id) twice is an error.
func (m *Manager) Register(s *Shard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := shardKey(s.DB, s.ID)
	if _, ok := m.shards[key]; ok {
		return fmt.Errorf("%w: %s", ErrShardExists, key)
	}
	m.shards[key] = s
	return nil
}

// Lookup returns the shard for (db, id), or nil when this node does not
// hold it.
func (m *Manager) Lookup(db string, id uint32) *Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shards[shardKey(db, id)]
}

// All returns the registered shards in unspecified order.
func (m *Manager) All() []*Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s)
	}
	return out
}

// RouteKey maps a user key to its shard id.
func RouteKey(key []byte) uint32 {
	return murmur3.Sum32(key) % DefaultShardCount
}

func shardKey(db string, id uint32) string {
	return fmt.Sprintf("%s/%d", db, id)
}
