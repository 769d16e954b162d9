package registry

import (
	"testing"
	"time"
)

func TestTouchCreatesAndMarksActive(t *testing.T) {
	r := New()
	now := time.Unix(1_700_000_000, 0)

	p, created := r.Touch("alice@10.0.0.1", now)
	if !created {
		t.Error("first Touch() should report created")
	}
	if !p.Active {
		t.Error("peer should be active after Touch()")
	}
	if !p.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", p.LastSeen, now)
	}
}

func TestTouchMonotonicLastSeen(t *testing.T) {
	r := New()
	t0 := time.Unix(1_700_000_000, 0)
	t1 := t0.Add(-5 * time.Second) // an out-of-order, earlier arrival

	r.Touch("alice@10.0.0.1", t0)
	p, _ := r.Touch("alice@10.0.0.1", t1)

	if !p.LastSeen.Equal(t0) {
		t.Errorf("LastSeen = %v, want max(LastSeen, recv_ts) = %v", p.LastSeen, t0)
	}
}

func TestSweepActivityDeactivatesAndEvicts(t *testing.T) {
	r := New()
	now := time.Unix(1_700_000_000, 0)
	r.Touch("alice@10.0.0.1", now)

	stale := 60 * time.Second
	evict := 5 * time.Minute

	deactivated, evicted := r.SweepActivity(now.Add(90*time.Second), stale, evict)
	if len(deactivated) != 1 || deactivated[0] != "alice@10.0.0.1" {
		t.Errorf("deactivated = %v, want [alice@10.0.0.1]", deactivated)
	}
	if len(evicted) != 0 {
		t.Errorf("evicted = %v, want none yet", evicted)
	}

	_, evicted = r.SweepActivity(now.Add(6*time.Minute), stale, evict)
	if len(evicted) != 1 {
		t.Errorf("evicted = %v, want [alice@10.0.0.1]", evicted)
	}
	if _, ok := r.Get("alice@10.0.0.1"); ok {
		t.Error("evicted peer should be removed from the registry")
	}
}

func TestRevokeMarksInactiveImmediately(t *testing.T) {
	r := New()
	now := time.Unix(1_700_000_000, 0)
	r.Touch("alice@10.0.0.1", now)

	r.Revoke("alice@10.0.0.1")

	p, ok := r.Get("alice@10.0.0.1")
	if !ok {
		t.Fatal("peer should still exist after revoke")
	}
	if p.Active {
		t.Error("peer should be inactive immediately after Revoke()")
	}
}
