package runnerregistry

import (
	"context"
	"testing"
	"time"
)

func TestHeartbeat_ClampsLeaseSeconds(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	low, err := m.Heartbeat(ctx, now, HeartbeatInput{RunnerID: "r1", Status: "idle", LeaseSeconds: 1})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if want := now.Add(minLeaseSeconds * time.Second); !low.LeaseExpiresAt.Equal(want) {
		t.Fatalf("LeaseExpiresAt = %v, want %v (clamped to min)", low.LeaseExpiresAt, want)
	}

	high, err := m.Heartbeat(ctx, now, HeartbeatInput{RunnerID: "r2", Status: "idle", LeaseSeconds: 999999})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if want := now.Add(maxLeaseSeconds * time.Second); !high.LeaseExpiresAt.Equal(want) {
		t.Fatalf("LeaseExpiresAt = %v, want %v (clamped to max)", high.LeaseExpiresAt, want)
	}
}

func TestOnline_ComputedOnRead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	if _, err := m.Heartbeat(ctx, now, HeartbeatInput{RunnerID: "r1", Status: "idle", LeaseSeconds: 30}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	r, err := m.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !r.Online(now.Add(10 * time.Second)) {
		t.Fatal("expected runner to be online within lease")
	}
	if r.Online(now.Add(31 * time.Second)) {
		t.Fatal("expected runner to be stale after lease expiry")
	}

	// No implicit write-back: the stored lease is unchanged by reads past
	// expiry, only a later Heartbeat call extends it.
	again, err := m.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !again.LeaseExpiresAt.Equal(r.LeaseExpiresAt) {
		t.Fatalf("LeaseExpiresAt changed across reads: %v != %v", again.LeaseExpiresAt, r.LeaseExpiresAt)
	}
}

func TestList_ExcludesStaleByDefault(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	m.Heartbeat(ctx, now, HeartbeatInput{RunnerID: "fresh", Status: "idle", LeaseSeconds: 60})
	m.Heartbeat(ctx, now.Add(-100*time.Second), HeartbeatInput{RunnerID: "stale", Status: "idle", LeaseSeconds: 30})

	live, err := m.List(ctx, now, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(live) != 1 || live[0].ID != "fresh" {
		t.Fatalf("List() = %+v, want only fresh runner", live)
	}

	all, err := m.List(ctx, now, ListFilter{IncludeStale: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List(include_stale) = %d runners, want 2", len(all))
	}
}

func TestList_SortedByLastSeenDescending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	m.Heartbeat(ctx, now.Add(-5*time.Second), HeartbeatInput{RunnerID: "older", Status: "idle", LeaseSeconds: 3600})
	m.Heartbeat(ctx, now, HeartbeatInput{RunnerID: "newer", Status: "idle", LeaseSeconds: 3600})

	runners, err := m.List(ctx, now, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runners) != 2 || runners[0].ID != "newer" || runners[1].ID != "older" {
		t.Fatalf("List() order = %+v, want [newer, older]", runners)
	}
}

func TestList_RespectsLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	for _, id := range []string{"a", "b", "c"} {
		m.Heartbeat(ctx, now, HeartbeatInput{RunnerID: id, Status: "idle", LeaseSeconds: 60})
	}

	runners, err := m.List(ctx, now, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runners) != 2 {
		t.Fatalf("List(limit=2) returned %d runners, want 2", len(runners))
	}
}

func TestGet_UnknownRunnerReturnsNilNoError(t *testing.T) {
	m := NewMemory()
	r, err := m.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r != nil {
		t.Fatalf("Get() = %+v, want nil", r)
	}
}

func TestClone_IsIndependentCopy(t *testing.T) {
	r := &Runner{ID: "r1", Capabilities: []string{"exec"}, Metadata: map[string]any{"k": "v"}}
	cp := r.Clone()
	cp.Capabilities[0] = "mutated"
	cp.Metadata["k"] = "mutated"
	if r.Capabilities[0] != "exec" {
		t.Fatal("mutating clone's Capabilities affected original")
	}
	if r.Metadata["k"] != "v" {
		t.Fatal("mutating clone's Metadata affected original")
	}
}
