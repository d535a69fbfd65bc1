// Package reclaim implements the compaction-time reclamation filters.
//
// A filter inspects one record during a background reclamation pass and
// decides whether its bytes are still reachable from a live collection.
// Logical deletes (clear, expire, recreate) only touch the meta record; the
// filters are where the dead element bytes are actually reclaimed, amortized
// across passes.
package reclaim

import (
	"bytes"
	"log/slog"

	"github.com/tidekv/tidekv/internal/storage/codec"
)

// Decision is the outcome of filtering one record.
// Drop means the record's bytes may be physically discarded. Changed/NewValue
// let a filter rewrite a record in place; neither filter here does, but the
// engine hook carries them.
type Decision struct {
	Drop     bool
	Changed  bool
	NewValue []byte
}

// Filter is the engine's reclamation hook contract. Invoking a filter twice
// on identical inputs yields an identical decision.
type Filter interface {
	Name() string
	Filter(now int64, key, value []byte) Decision
}

// MetaReader is the point-read handle the data filter uses to consult the
// live meta namespace. found is false when no record exists for the key.
type MetaReader interface {
	GetMeta(key []byte) (value []byte, found bool, err error)
}

// MetaFilter decides the fate of collection meta records. It is pure: the
// decision depends only on the record's own bytes and the supplied instant.
type MetaFilter struct{}

// NewMetaFilter returns the meta-record filter.
func NewMetaFilter() *MetaFilter { return &MetaFilter{} }

func (f *MetaFilter) Name() string { return "collection-meta" }

// Filter drops a meta record when it is an empty collection with no TTL, or
// when its TTL has passed. Undecodable records are retained; a reclamation
// pass must not turn a decode bug into data loss.
func (f *MetaFilter) Filter(now int64, key, value []byte) Decision {
	meta, err := codec.DecodeMeta(value)
	if err != nil {
		return Decision{}
	}
	if meta.Expired(now) {
		return Decision{Drop: true}
	}
	if meta.Empty() && meta.ExpireAt == 0 {
		return Decision{Drop: true}
	}
	return Decision{}
}

// DataFilter decides the fate of collection element records. It is the one
// impure filter: each element's parent meta record is point-read from the
// live namespace. The read is best-effort against a concurrently mutating
// store; correctness rests on versions never decreasing, not on read
// consistency, so a live element is never dropped and a dead one is dropped
// on some pass.
//
// A DataFilter carries per-pass lookup state (the last parent key seen) and
// is therefore not safe for concurrent use; construct one per pass.
type DataFilter struct {
	metas  MetaReader
	logger *slog.Logger

	// parent-key cache: elements of one collection arrive consecutively in
	// key order, so one lookup usually serves a run of elements.
	curParent   []byte
	cacheValid  bool
	metaMissing bool
	metaOpaque  bool
	curMeta     codec.CollectionMeta
}

// NewDataFilter returns an element-record filter reading metas through r.
func NewDataFilter(r MetaReader, logger *slog.Logger) *DataFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataFilter{metas: r, logger: logger}
}

func (f *DataFilter) Name() string { return "collection-data" }

// Filter drops an element when its parent meta record is gone, when the
// parent collection has expired, or when the element's embedded version is
// from an older generation. An empty count alone does not condemn elements:
// the count and the element writes are not atomic, so a matching version on
// an unexpired meta is the only liveness test that is safe against writers.
func (f *DataFilter) Filter(now int64, key, value []byte) Decision {
	ek, err := codec.DecodeElementKey(key)
	if err != nil {
		f.logger.Warn("reclaim: undecodable element key retained", "error", err)
		return Decision{}
	}

	if !f.cacheValid || !bytes.Equal(f.curParent, ek.ParentKey) {
		if err := f.refresh(ek.ParentKey); err != nil {
			// Lookup failure: retain rather than guess. The next pass
			// will see this element again.
			f.logger.Warn("reclaim: meta lookup failed, element retained",
				"parent", string(ek.ParentKey), "error", err)
			return Decision{}
		}
	}

	if f.metaOpaque {
		return Decision{}
	}
	if f.metaMissing {
		return Decision{Drop: true}
	}
	if f.curMeta.Expired(now) {
		return Decision{Drop: true}
	}
	if f.curMeta.Version != ek.Version {
		return Decision{Drop: true}
	}
	return Decision{}
}

func (f *DataFilter) refresh(parent []byte) error {
	f.cacheValid = false

	raw, found, err := f.metas.GetMeta(parent)
	if err != nil {
		return err
	}
	f.curParent = bytes.Clone(parent)
	f.cacheValid = true
	f.metaMissing = false
	f.metaOpaque = false

	if !found {
		f.metaMissing = true
		return nil
	}

	meta, err := codec.DecodeMeta(raw)
	if err != nil {
		// Treating an undecodable meta like a missing one would drop
		// every element under this parent; keep them instead.
		f.logger.Warn("reclaim: undecodable meta record, elements retained",
			"parent", string(parent), "error", err)
		f.metaOpaque = true
		return nil
	}
	f.curMeta = *meta
	return nil
}
