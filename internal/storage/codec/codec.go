// Package codec encodes and decodes collection records.
//
// A collection (list, set, hash) is stored as one meta record plus one data
// record per element. The meta record carries a generation version; element
// keys embed the version they were written under, which is what makes a
// whole-collection clear a single meta write instead of a per-element sweep.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

// MetaSize is the fixed encoded size of a CollectionMeta record:
// count(8) | version(8) | expire_at(8), all big-endian.
const MetaSize = 24

// Common errors
var (
	ErrBadMetaRecord = errors.New("codec: malformed meta record")
	ErrBadElementKey = errors.New("codec: malformed element key")
)

// CollectionMeta is the per-collection meta record.
//
// Version is monotonic: it never decreases for a given key, and every
// create/clear/recreate of the collection bumps it. ExpireAt is an absolute
// unix-seconds instant; 0 means no TTL. Count 0 denotes a logically empty
// collection.
type CollectionMeta struct {
	Count    uint64
	Version  uint64
	ExpireAt uint64
}

// NewMeta returns a fresh meta record for a brand-new key.
// The version starts at 0; callers bump it with UpdateVersion.
func NewMeta(count uint64) *CollectionMeta {
	return &CollectionMeta{Count: count}
}

// DecodeMeta parses a meta record. The input must be exactly MetaSize bytes.
func DecodeMeta(b []byte) (*CollectionMeta, error) {
	if len(b) != MetaSize {
		return nil, ErrBadMetaRecord
	}
	return &CollectionMeta{
		Count:    binary.BigEndian.Uint64(b[0:8]),
		Version:  binary.BigEndian.Uint64(b[8:16]),
		ExpireAt: binary.BigEndian.Uint64(b[16:24]),
	}, nil
}

// Encode renders the record to its fixed layout. Identical field values
// always produce byte-identical output.
func (m *CollectionMeta) Encode() []byte {
	b := make([]byte, MetaSize)
	binary.BigEndian.PutUint64(b[0:8], m.Count)
	binary.BigEndian.PutUint64(b[8:16], m.Version)
	binary.BigEndian.PutUint64(b[16:24], m.ExpireAt)
	return b
}

// UpdateVersion bumps the generation and returns the new version.
// All elements written under earlier versions become logically dead.
func (m *CollectionMeta) UpdateVersion() uint64 {
	m.Version++
	return m.Version
}

// SetRelativeTimestamp converts a relative TTL to an absolute expiration
// resolved at call time.
func (m *CollectionMeta) SetRelativeTimestamp(seconds int64) {
	m.ExpireAt = uint64(time.Now().Unix() + seconds)
}

// Expired reports whether the record has a TTL and now has reached it.
// The boundary is exact: now == ExpireAt is expired.
func (m *CollectionMeta) Expired(now int64) bool {
	return m.ExpireAt != 0 && uint64(now) >= m.ExpireAt
}

// Empty reports whether the collection holds no elements.
func (m *CollectionMeta) Empty() bool {
	return m.Count == 0
}

// ElementKey addresses one element of a collection.
// Encoded layout: keylen(4, big-endian) | parent key | version(8) | member.
type ElementKey struct {
	ParentKey []byte
	Version   uint64
	Member    []byte
}

// NewElementKey builds an element key for the given generation.
func NewElementKey(parent []byte, version uint64, member []byte) *ElementKey {
	return &ElementKey{ParentKey: parent, Version: version, Member: member}
}

// Encode renders the element key.
func (k *ElementKey) Encode() []byte {
	b := make([]byte, 4+len(k.ParentKey)+8+len(k.Member))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(k.ParentKey)))
	n := 4 + copy(b[4:], k.ParentKey)
	binary.BigEndian.PutUint64(b[n:n+8], k.Version)
	copy(b[n+8:], k.Member)
	return b
}

// DecodeElementKey parses an element key. Every field boundary is
// length-checked; a remaining-bytes count cannot go negative here.
func DecodeElementKey(b []byte) (*ElementKey, error) {
	if len(b) < 4 {
		return nil, ErrBadElementKey
	}
	keyLen := int(binary.BigEndian.Uint32(b[0:4]))
	rest := b[4:]
	if keyLen < 0 || len(rest) < keyLen+8 {
		return nil, ErrBadElementKey
	}
	k := &ElementKey{
		ParentKey: bytes.Clone(rest[:keyLen]),
		Version:   binary.BigEndian.Uint64(rest[keyLen : keyLen+8]),
		Member:    bytes.Clone(rest[keyLen+8:]),
	}
	return k, nil
}

// IndexMember encodes a list index as a fixed-width member so that element
// keys for one list sort in index order.
func IndexMember(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}

// MemberIndex decodes a member produced by IndexMember.
func MemberIndex(member []byte) (uint64, error) {
	if len(member) != 8 {
		return 0, ErrBadElementKey
	}
	return binary.BigEndian.Uint64(member), nil
}
