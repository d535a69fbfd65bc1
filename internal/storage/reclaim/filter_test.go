package reclaim

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/tidekv/tidekv/internal/storage/codec"
)

func sameDecision(a, b Decision) bool {
	return a.Drop == b.Drop && a.Changed == b.Changed && bytes.Equal(a.NewValue, b.NewValue)
}

// mapMetas is a MetaReader over an in-memory map.
type mapMetas struct {
	m       map[string][]byte
	failing bool
}

func newMapMetas() *mapMetas { return &mapMetas{m: make(map[string][]byte)} }

func (r *mapMetas) GetMeta(key []byte) ([]byte, bool, error) {
	if r.failing {
		return nil, false, errors.New("injected read failure")
	}
	v, ok := r.m[string(key)]
	return v, ok, nil
}

func (r *mapMetas) put(key string, m *codec.CollectionMeta) {
	r.m[key] = m.Encode()
}

func TestMetaFilter_EmptyNoTTL(t *testing.T) {
	f := NewMetaFilter()
	m := codec.NewMeta(0)
	m.UpdateVersion()

	now := time.Now().Unix() + 1
	if d := f.Filter(now, []byte("FILTER_TEST_KEY"), m.Encode()); !d.Drop {
		t.Error("empty collection without TTL must be dropped")
	}
}

func TestMetaFilter_NonEmptyNoTTL(t *testing.T) {
	f := NewMetaFilter()
	m := codec.NewMeta(1)
	m.UpdateVersion()

	// No TTL: retained no matter how much time has passed.
	for _, elapsed := range []int64{1, 3600, 1 << 30} {
		if d := f.Filter(time.Now().Unix()+elapsed, []byte("FILTER_TEST_KEY"), m.Encode()); d.Drop {
			t.Errorf("non-empty collection without TTL dropped after %ds", elapsed)
		}
	}
}

func TestMetaFilter_TTLNotExpired(t *testing.T) {
	f := NewMetaFilter()
	m := codec.NewMeta(1)
	m.UpdateVersion()
	m.SetRelativeTimestamp(3)

	if d := f.Filter(time.Now().Unix()+1, []byte("FILTER_TEST_KEY"), m.Encode()); d.Drop {
		t.Error("unexpired collection dropped")
	}
}

func TestMetaFilter_TTLExpired(t *testing.T) {
	f := NewMetaFilter()
	m := codec.NewMeta(1)
	m.UpdateVersion()
	m.SetRelativeTimestamp(1)

	if d := f.Filter(time.Now().Unix()+2, []byte("FILTER_TEST_KEY"), m.Encode()); !d.Drop {
		t.Error("expired collection retained")
	}
}

func TestMetaFilter_MalformedRetained(t *testing.T) {
	f := NewMetaFilter()
	if d := f.Filter(time.Now().Unix(), []byte("k"), []byte("garbage")); d.Drop {
		t.Error("undecodable meta record must be retained")
	}
}

func TestMetaFilter_Idempotent(t *testing.T) {
	f := NewMetaFilter()
	m := codec.NewMeta(0)
	m.UpdateVersion()
	now := time.Now().Unix()

	first := f.Filter(now, []byte("k"), m.Encode())
	second := f.Filter(now, []byte("k"), m.Encode())
	if !sameDecision(first, second) {
		t.Errorf("decisions differ: %+v vs %+v", first, second)
	}
}

func TestDataFilter_LiveVersion(t *testing.T) {
	metas := newMapMetas()
	f := NewDataFilter(metas, nil)

	m := codec.NewMeta(1)
	version := m.UpdateVersion()
	metas.put("FILTER_TEST_KEY", m)

	key := codec.NewElementKey([]byte("FILTER_TEST_KEY"), version, codec.IndexMember(1)).Encode()
	if d := f.Filter(time.Now().Unix(), key, []byte("FILTER_TEST_VALUE")); d.Drop {
		t.Error("element with matching live version dropped")
	}
}

func TestDataFilter_EmptyMetaKeepsMatchingVersion(t *testing.T) {
	metas := newMapMetas()
	f := NewDataFilter(metas, nil)

	// A writer publishes elements before the count-updating meta write, so
	// a pass can see count 0 alongside a just-written element of the live
	// version. The element must survive; only the meta filter may reclaim
	// an empty TTL-less collection.
	m := codec.NewMeta(0)
	version := m.UpdateVersion()
	metas.put("FILTER_TEST_KEY", m)

	key := codec.NewElementKey([]byte("FILTER_TEST_KEY"), version, codec.IndexMember(0)).Encode()
	if d := f.Filter(time.Now().Unix(), key, []byte("FILTER_TEST_VALUE")); d.Drop {
		t.Error("element with matching version dropped under an empty unexpired meta")
	}
}

func TestDataFilter_TTLNotExpired(t *testing.T) {
	metas := newMapMetas()
	f := NewDataFilter(metas, nil)

	m := codec.NewMeta(1)
	version := m.UpdateVersion()
	m.SetRelativeTimestamp(10)
	metas.put("FILTER_TEST_KEY", m)

	key := codec.NewElementKey([]byte("FILTER_TEST_KEY"), version, codec.IndexMember(1)).Encode()
	if d := f.Filter(time.Now().Unix(), key, []byte("FILTER_TEST_VALUE")); d.Drop {
		t.Error("element under unexpired collection dropped")
	}
}

func TestDataFilter_TTLExpired(t *testing.T) {
	metas := newMapMetas()
	f := NewDataFilter(metas, nil)

	m := codec.NewMeta(1)
	version := m.UpdateVersion()
	m.SetRelativeTimestamp(1)
	metas.put("FILTER_TEST_KEY", m)

	// Version matches, but the whole collection has expired.
	key := codec.NewElementKey([]byte("FILTER_TEST_KEY"), version, codec.IndexMember(1)).Encode()
	if d := f.Filter(time.Now().Unix()+2, key, []byte("FILTER_TEST_VALUE")); !d.Drop {
		t.Error("element under expired collection retained")
	}
}

func TestDataFilter_StaleVersion(t *testing.T) {
	metas := newMapMetas()
	f := NewDataFilter(metas, nil)

	m := codec.NewMeta(1)
	oldVersion := m.UpdateVersion()
	key := codec.NewElementKey([]byte("FILTER_TEST_KEY"), oldVersion, codec.IndexMember(1)).Encode()

	// Collection cleared and recreated: meta now carries a newer version.
	m.UpdateVersion()
	metas.put("FILTER_TEST_KEY", m)

	if d := f.Filter(time.Now().Unix(), key, []byte("FILTER_TEST_VALUE")); !d.Drop {
		t.Error("element from a prior generation retained")
	}
}

func TestDataFilter_MetaDeleted(t *testing.T) {
	metas := newMapMetas()
	f := NewDataFilter(metas, nil)

	key := codec.NewElementKey([]byte("FILTER_TEST_KEY"), 1, codec.IndexMember(1)).Encode()
	if d := f.Filter(time.Now().Unix(), key, []byte("FILTER_TEST_VALUE")); !d.Drop {
		t.Error("orphaned element retained after its meta was deleted")
	}
}

func TestDataFilter_LookupFailureRetains(t *testing.T) {
	metas := newMapMetas()
	metas.failing = true
	f := NewDataFilter(metas, nil)

	key := codec.NewElementKey([]byte("k"), 1, codec.IndexMember(0)).Encode()
	if d := f.Filter(time.Now().Unix(), key, []byte("v")); d.Drop {
		t.Error("element dropped on meta lookup failure")
	}
}

func TestDataFilter_MalformedKeyRetained(t *testing.T) {
	f := NewDataFilter(newMapMetas(), nil)
	if d := f.Filter(time.Now().Unix(), []byte{0x01}, []byte("v")); d.Drop {
		t.Error("undecodable element key must be retained")
	}
}

func TestDataFilter_UndecodableMetaRetains(t *testing.T) {
	metas := newMapMetas()
	metas.m["k"] = []byte("not a meta record")
	f := NewDataFilter(metas, nil)

	key := codec.NewElementKey([]byte("k"), 1, codec.IndexMember(0)).Encode()
	if d := f.Filter(time.Now().Unix(), key, []byte("v")); d.Drop {
		t.Error("element dropped under an undecodable meta record")
	}
}

func TestDataFilter_ParentCacheAcrossRun(t *testing.T) {
	metas := newMapMetas()
	f := NewDataFilter(metas, nil)

	m := codec.NewMeta(3)
	version := m.UpdateVersion()
	metas.put("run", m)

	// Consecutive elements of the same parent; the cached meta must give
	// the same answers a fresh lookup would.
	now := time.Now().Unix()
	for i := uint64(0); i < 3; i++ {
		key := codec.NewElementKey([]byte("run"), version, codec.IndexMember(i)).Encode()
		if d := f.Filter(now, key, []byte("v")); d.Drop {
			t.Fatalf("element %d dropped", i)
		}
	}

	// Switching parents invalidates the cache.
	key := codec.NewElementKey([]byte("other"), version, codec.IndexMember(0)).Encode()
	if d := f.Filter(now, key, []byte("v")); !d.Drop {
		t.Error("element of a deleted parent retained after cache switch")
	}
}

func TestDataFilter_Idempotent(t *testing.T) {
	metas := newMapMetas()
	f := NewDataFilter(metas, nil)

	m := codec.NewMeta(1)
	version := m.UpdateVersion()
	metas.put("k", m)

	now := time.Now().Unix()
	key := codec.NewElementKey([]byte("k"), version, codec.IndexMember(0)).Encode()
	first := f.Filter(now, key, []byte("v"))
	second := f.Filter(now, key, []byte("v"))
	if !sameDecision(first, second) {
		t.Errorf("decisions differ: %+v vs %+v", first, second)
	}
}
