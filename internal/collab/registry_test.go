package collab

import (
	"errors"
	"testing"
	"time"
)

func TestRegistryLeases(t *testing.T) {
	reg := NewRegistry(time.Hour)
	lease, err := reg.Create(&Run{ID: "r1", State: StateCreated})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Create(&Run{ID: "r1"}); !errors.Is(err, ErrRunBusy) {
		t.Fatalf("duplicate create should be busy, got %v", err)
	}
	if _, err := reg.Acquire("r1"); !errors.Is(err, ErrRunBusy) {
		t.Fatalf("leased run should be busy, got %v", err)
	}
	lease.Release()
	lease.Release()
	again, err := reg.Acquire("r1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again.Release()
	if _, err := reg.Acquire("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRegistryTerminalRunsAreImmutable(t *testing.T) {
	reg := NewRegistry(time.Hour)
	lease, _ := reg.Create(&Run{ID: "r1", State: StateCreated})
	defer lease.Release()

	if err := reg.Transition("r1", StateRunning, nil); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := reg.Transition("r1", StateSuccess, nil); err != nil {
		t.Fatalf("to success: %v", err)
	}
	var term *ErrAlreadyTerminal
	if err := reg.Update("r1", func(r *Run) error { r.Query = "changed"; return nil }); !errors.As(err, &term) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	snap, _ := reg.Snapshot("r1")
	if snap.Query != "" || snap.CompletedAt == nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRegistryRejectsIllegalTransition(t *testing.T) {
	reg := NewRegistry(time.Hour)
	lease, _ := reg.Create(&Run{ID: "r1", State: StateCreated})
	defer lease.Release()
	if err := reg.Transition("r1", StatePaused, nil); err == nil {
		t.Fatalf("created -> paused must be rejected")
	}
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	reg := NewRegistry(time.Hour)
	lease, _ := reg.Create(&Run{ID: "r1", State: StateCreated, Stages: []StageRecord{{Role: RoleAnalyst}}})
	defer lease.Release()
	snap, _ := reg.Snapshot("r1")
	snap.Stages[0].Output = "mutated"
	again, _ := reg.Snapshot("r1")
	if again.Stages[0].Output != "" {
		t.Fatalf("snapshot shares memory with the live run")
	}
}

func TestRegistryPrunesOldTerminalRuns(t *testing.T) {
	reg := NewRegistry(time.Minute)
	now := time.Now()
	reg.now = func() time.Time { return now }

	lease, _ := reg.Create(&Run{ID: "done", State: StateCreated})
	_ = reg.Transition("done", StateCancelled, nil)
	lease.Release()
	live, _ := reg.Create(&Run{ID: "live", State: StateCreated})
	live.Release()

	reg.now = func() time.Time { return now.Add(2 * time.Minute) }
	if n := reg.Prune(); n != 1 {
		t.Fatalf("expected one pruned run, got %d", n)
	}
	if _, ok := reg.Snapshot("live"); !ok || reg.Len() != 1 {
		t.Fatalf("non-terminal run must be kept")
	}
}
