package withitems

import (
	"context"
	"errors"
	"sync"
)

// ErrTaskForgotten is returned by Record for a task dropped with Forget
var ErrTaskForgotten = errors.New("task was forgotten by the tracker")

// Tracker accumulates results without a store. It is the in-process
// alternative to pkg/engine for embedders that run every iteration
// themselves and keep nothing once the task is done.
//
// Results for the same task are applied one at a time; different tasks never
// contend. An action execution id is accepted at most once, so redelivered
// results are absorbed.
type Tracker struct {
	acc *Accumulator

	mu        sync.Mutex
	tasks     map[string]*taskState
	forgotten map[string]struct{}
}

type taskState struct {
	mu       sync.Mutex
	output   TaskOutput
	accepted map[string]struct{}
}

// NewTracker creates a tracker that accumulates with acc
func NewTracker(acc *Accumulator) *Tracker {
	if acc == nil {
		acc = NewAccumulator(nil)
	}
	return &Tracker{
		acc:       acc,
		tasks:     make(map[string]*taskState),
		forgotten: make(map[string]struct{}),
	}
}

func (t *Tracker) state(taskID string) (*taskState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, gone := t.forgotten[taskID]; gone {
		return nil, ErrTaskForgotten
	}
	s, ok := t.tasks[taskID]
	if !ok {
		s = &taskState{accepted: make(map[string]struct{})}
		t.tasks[taskID] = s
	}
	return s, nil
}

// Record accumulates res for actionExID and returns the resulting snapshot.
// applied is false when actionExID was already recorded, in which case the
// output is unchanged.
func (t *Tracker) Record(ctx context.Context, taskID, actionExID, taskName string, spec Spec, res Result) (out TaskOutput, applied bool, err error) {
	s, err := t.state(taskID)
	if err != nil {
		return TaskOutput{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.accepted[actionExID]; dup {
		return s.output, false, nil
	}

	next, err := t.acc.Accumulate(ctx, s.output, taskName, spec, res)
	if err != nil {
		return s.output, false, err
	}
	s.output = next
	s.accepted[actionExID] = struct{}{}
	return next, true, nil
}

// Output returns the current snapshot for taskID
func (t *Tracker) Output(taskID string) TaskOutput {
	t.mu.Lock()
	s, ok := t.tasks[taskID]
	t.mu.Unlock()
	if !ok {
		return TaskOutput{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// Forget drops the output of taskID. The id is kept so a late redelivery
// fails with ErrTaskForgotten instead of starting a new, empty output.
func (t *Tracker) Forget(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, taskID)
	t.forgotten[taskID] = struct{}{}
}
