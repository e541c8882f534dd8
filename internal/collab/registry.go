package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	run        *Run
	leased     bool
	cancel     context.CancelFunc
	checkpoint *Checkpoint
	seq        atomic.Int64
	terminalAt time.Time
}

// Registry owns live runs keyed by id. A run is written only by the holder
// of its lease; everyone else reads snapshots.
type Registry struct {
	mu        sync.Mutex
	runs      map[string]*entry
	retention time.Duration
	now       func() time.Time
}

// NewRegistry keeps terminal runs for retention before pruning them.
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Registry{runs: make(map[string]*entry), retention: retention, now: time.Now}
}

// Lease is the write permission on one run.
type Lease struct {
	reg  *Registry
	id   string
	once sync.Once
}

func (l *Lease) Release() {
	l.once.Do(func() {
		l.reg.mu.Lock()
		defer l.reg.mu.Unlock()
		if e, ok := l.reg.runs[l.id]; ok {
			e.leased = false
			e.cancel = nil
		}
	})
}

// Create registers a new run and leases it to the caller.
func (r *Registry) Create(run *Run) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if _, ok := r.runs[run.ID]; ok {
		return nil, fmt.Errorf("%w: run %s already exists", ErrRunBusy, run.ID)
	}
	r.runs[run.ID] = &entry{run: run, leased: true}
	return &Lease{reg: r, id: run.ID}, nil
}

// Acquire leases an existing run.
func (r *Registry) Acquire(id string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	e, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if e.leased {
		return nil, fmt.Errorf("%w: %s", ErrRunBusy, id)
	}
	e.leased = true
	return &Lease{reg: r, id: id}, nil
}

// Update mutates a run under the registry lock. Terminal runs are immutable.
func (r *Registry) Update(id string, fn func(*Run) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if e.run.State.Terminal() {
		return &ErrAlreadyTerminal{RunID: id, State: e.run.State}
	}
	if err := fn(e.run); err != nil {
		return err
	}
	if e.run.State.Terminal() {
		e.terminalAt = r.now()
	}
	return nil
}

// Transition moves the run to a new state, applying fn in the same critical
// section.
func (r *Registry) Transition(id string, to RunState, fn func(*Run)) error {
	return r.Update(id, func(run *Run) error {
		if err := run.transition(to); err != nil {
			return err
		}
		if fn != nil {
			fn(run)
		}
		return nil
	})
}

// Snapshot returns a deep copy of the run.
func (r *Registry) Snapshot(id string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return e.run.clone(), true
}

func (r *Registry) setCancel(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[id]; ok {
		e.cancel = cancel
	}
}

// cancel triggers the running run's cancel function, if any.
func (r *Registry) cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.runs[id]
	var fn context.CancelFunc
	if ok {
		fn = e.cancel
	}
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

func (r *Registry) setCheckpoint(id string, cp *Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[id]; ok {
		e.checkpoint = cp
	}
}

func (r *Registry) checkpoint(id string) *Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[id]; ok && e.checkpoint != nil {
		cp := *e.checkpoint
		cp.Stages = append([]StageRecord(nil), e.checkpoint.Stages...)
		return &cp
	}
	return nil
}

func (r *Registry) sequence(id string) *atomic.Int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[id]; ok {
		return &e.seq
	}
	return nil
}

// Prune drops terminal runs older than the retention window.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked()
}

func (r *Registry) pruneLocked() int {
	cutoff := r.now().Add(-r.retention)
	n := 0
	for id, e := range r.runs {
		if e.run.State.Terminal() && !e.leased && !e.terminalAt.IsZero() && e.terminalAt.Before(cutoff) {
			delete(r.runs, id)
			n++
		}
	}
	return n
}

// Len reports the number of runs held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
