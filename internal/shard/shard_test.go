package shard

import (
	"errors"
	"testing"
)

func TestManager_RegisterLookup(t *testing.T) {
	m := NewManager()

	s := &Shard{DB: "db0", ID: 3}
	if err := m.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := m.Lookup("db0", 3); got != s {
		t.Errorf("Lookup = %v, want the registered shard", got)
	}
	if got := m.Lookup("db0", 4); got != nil {
		t.Errorf("Lookup of unknown shard = %v, want nil", got)
	}
	if got := m.Lookup("db1", 3); got != nil {
		t.Errorf("Lookup of unknown db = %v, want nil", got)
	}
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := NewManager()
	if err := m.Register(&Shard{DB: "db0", ID: 0}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(&Shard{DB: "db0", ID: 0}); !errors.Is(err, ErrShardExists) {
		t.Errorf("duplicate Register err = %v, want ErrShardExists", err)
	}
}

func TestShard_SaveFlag(t *testing.T) {
	s := &Shard{DB: "db0", ID: 0}

	if s.IsBgSaving() {
		t.Error("fresh shard reports saving")
	}
	if !s.BeginSave() {
		t.Fatal("BeginSave failed on idle shard")
	}
	if !s.IsBgSaving() {
		t.Error("IsBgSaving false during save")
	}
	if s.BeginSave() {
		t.Error("overlapping BeginSave succeeded")
	}
	s.EndSave()
	if s.IsBgSaving() {
		t.Error("IsBgSaving true after EndSave")
	}
}

func TestRouteKey_Stable(t *testing.T) {
	a := RouteKey([]byte("some-key"))
	b := RouteKey([]byte("some-key"))
	if a != b {
		t.Errorf("RouteKey not deterministic: %d vs %d", a, b)
	}
	if a >= DefaultShardCount {
		t.Errorf("RouteKey = %d, want < %d", a, DefaultShardCount)
	}
}
