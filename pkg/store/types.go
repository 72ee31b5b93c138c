package store

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/action"
	"github.com/wehubfusion/Daedalus/pkg/withitems"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// State is the lifecycle state of a task or action execution
type State string

const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"
	StateSuccess   State = "SUCCESS"
	StateError     State = "ERROR"
	StateCancelled State = "CANCELLED"
)

// IsCompleted reports whether s is terminal
func (s State) IsCompleted() bool {
	return s == StateSuccess || s == StateError || s == StateCancelled
}

// ActionExecution is one dispatched iteration of a with-items task
type ActionExecution struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	State State  `json:"state"`

	// Accepted is set once the result has been accumulated into the task
	// output. A later result with the same id is a duplicate.
	Accepted bool           `json:"accepted"`
	Result   *action.Result `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Runtime is the with-items bookkeeping of a task execution
type Runtime struct {
	// Count is the iteration count
	Count int `json:"count"`
	// Capacity is the number of iterations that may still be started
	// without exceeding Concurrency. Unused when Concurrency is 0.
	Capacity    int `json:"capacity"`
	Concurrency int `json:"concurrency"`
}

// TaskExecution is the persistent record of one with-items task run
type TaskExecution struct {
	ID                  string                      `json:"id"`
	Name                string                      `json:"name"`
	WorkflowExecutionID string                      `json:"workflow_execution_id,omitempty"`
	State               State                       `json:"state"`
	StateInfo           string                      `json:"state_info,omitempty"`
	Spec                workflow.TaskSpec           `json:"spec"`
	InContext           map[string]any              `json:"in_context,omitempty"`
	Input               withitems.Values            `json:"input,omitempty"`
	Output              withitems.TaskOutput        `json:"output"`
	Runtime             Runtime                     `json:"runtime"`
	Actions             map[string]*ActionExecution `json:"actions"`
	Version             int64                       `json:"version"`
	CreatedAt           time.Time                   `json:"created_at"`
	UpdatedAt           time.Time                   `json:"updated_at"`
}

// normalize replaces a nil Actions map so callers can add to it
func (t *TaskExecution) normalize() *TaskExecution {
	if t.Actions == nil {
		t.Actions = make(map[string]*ActionExecution)
	}
	return t
}

// Scheduled reports whether an action execution exists for index
func (t *TaskExecution) Scheduled(index int) bool {
	for _, a := range t.Actions {
		if a.Index == index {
			return true
		}
	}
	return false
}

// HasErrors reports whether any accepted action ended in error
func (t *TaskExecution) HasErrors() bool {
	for _, a := range t.Actions {
		if a.Accepted && a.State == StateError {
			return true
		}
	}
	return false
}
