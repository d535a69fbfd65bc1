// Package storage provides the persistent per-shard engine.
//
// The engine exposes exactly the capabilities the rest of the system is
// allowed to assume: namespaced get/put/delete/scan, a checkpoint facility
// that materializes an immutable file set for snapshot transfer, and a
// reclamation hook that runs the collection filters during background passes.
package storage

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrKeyNotFound = errors.New("storage: key not found")
	ErrClosed      = errors.New("storage: engine closed")
)

// Namespace separates the logically distinct keyspaces of one shard engine.
type Namespace byte

const (
	// NamespaceMeta holds collection meta records keyed by user key.
	NamespaceMeta Namespace = 'm'
	// NamespaceData holds collection element records keyed by element key.
	NamespaceData Namespace = 'd'
)

// Engine is the capability surface handed to the reclamation, snapshot, and
// collection layers. Implementations must be safe for concurrent use; the
// reclamation pass reads the meta namespace while foreground traffic mutates
// it, with no lock between them.
type Engine interface {
	// Get retrieves a value. Returns ErrKeyNotFound if the key is absent.
	Get(ctx context.Context, ns Namespace, key []byte) ([]byte, error)

	// Put stores a key-value pair. A record is written as one contiguous
	// value; readers never observe a torn record.
	Put(ctx context.Context, ns Namespace, key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, ns Namespace, key []byte) error

	// Scan iterates the namespace in key order over keys with the given
	// prefix. The callback returns false to stop.
	Scan(ctx context.Context, ns Namespace, prefix []byte, fn func(key, value []byte) bool) error

	// Checkpoint materializes an immutable, self-consistent file set under
	// dir and returns the produced filenames. The files are never modified
	// afterwards; callers own their deletion.
	Checkpoint(ctx context.Context, dir string) ([]string, error)

	// Reclaim runs one reclamation pass, applying the registered filters
	// to every record of their namespaces.
	Reclaim(ctx context.Context) (ReclaimStats, error)

	// Close gracefully shuts down the engine.
	Close() error
}

// ReclaimStats summarizes one reclamation pass.
type ReclaimStats struct {
	// Visited is the number of records the filters inspected.
	Visited uint64

	// Dropped is the number of records physically removed.
	Dropped uint64
}
