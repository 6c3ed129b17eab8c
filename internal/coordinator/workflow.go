package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ry-ht/cogcore/internal/bus"
	"github.com/ry-ht/cogcore/internal/ids"
)

// TaskStatus is the outcome of one workflow task as reported back to
// Coordinate.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskComplete  TaskStatus = "complete"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one unit of work in a workflow. Dependencies names other Task IDs
// in the same workflow that must reach TaskComplete before this one is
// assigned.
type Task struct {
	ID           string
	AssignTo     ids.AgentID
	Dependencies []string
	Payload      json.RawMessage
}

// TaskResult is the terminal state of one task after Coordinate returns.
type TaskResult struct {
	TaskID string
	Status TaskStatus
	Reason string
}

// WorkflowResult summarizes the outcome of Coordinate.
type WorkflowResult struct {
	WorkflowID string
	Tasks      map[string]TaskResult
}

// taskAssignmentPayload is the Payload of a TaskAssignment envelope.
type taskAssignmentPayload struct {
	WorkflowID string          `json:"workflow_id"`
	TaskID     string          `json:"task_id"`
	Payload    json.RawMessage `json:"payload"`
}

// taskOutcomePayload is the Payload of a TaskComplete/TaskFailed envelope a
// worker sends back to the orchestrator.
type taskOutcomePayload struct {
	WorkflowID string `json:"workflow_id"`
	TaskID     string `json:"task_id"`
	Reason     string `json:"reason,omitempty"`
}

// Coordinate sends TaskAssignment envelopes for tasks whose dependencies
// have already completed, waits for TaskComplete/TaskFailed envelopes
// addressed back to orchestrator, and assigns newly-unblocked tasks as their
// dependencies resolve. A failed task cancels every task that (transitively)
// depends on it without assigning them.
func (c *Coordinator) Coordinate(ctx context.Context, workflowID string, tasks []Task, orchestrator ids.AgentID) (WorkflowResult, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	result := WorkflowResult{WorkflowID: workflowID, Tasks: make(map[string]TaskResult, len(tasks))}
	for _, t := range tasks {
		result.Tasks[t.ID] = TaskResult{TaskID: t.ID, Status: TaskPending}
	}

	var mu sync.Mutex
	outcomes := make(chan taskOutcomePayload, len(tasks))

	inboxID := orchestrator
	c.bus.RegisterHandler(inboxID, func(_ context.Context, env bus.Envelope) error {
		if env.Kind != "TaskComplete" && env.Kind != "TaskFailed" {
			return nil
		}
		var payload taskOutcomePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("coordinator: decode task outcome: %w", err)
		}
		if payload.WorkflowID != workflowID {
			return nil
		}
		status := TaskComplete
		if env.Kind == "TaskFailed" {
			status = TaskFailed
		}
		mu.Lock()
		result.Tasks[payload.TaskID] = TaskResult{TaskID: payload.TaskID, Status: status, Reason: payload.Reason}
		mu.Unlock()
		outcomes <- payload
		return nil
	})
	defer c.bus.Unregister(inboxID)

	assigned := make(map[string]bool, len(tasks))
	cancelled := make(map[string]bool, len(tasks))

	assignReady := func() error {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range tasks {
			if assigned[t.ID] || cancelled[t.ID] {
				continue
			}
			if !dependenciesMet(t, result.Tasks) {
				continue
			}
			if dependencyFailed(t, result.Tasks) {
				cancelled[t.ID] = true
				result.Tasks[t.ID] = TaskResult{TaskID: t.ID, Status: TaskCancelled, Reason: "UpstreamFailed"}
				continue
			}
			payload, err := json.Marshal(taskAssignmentPayload{WorkflowID: workflowID, TaskID: t.ID, Payload: t.Payload})
			if err != nil {
				return fmt.Errorf("coordinator: marshal task assignment: %w", err)
			}
			assigned[t.ID] = true
			result.Tasks[t.ID] = TaskResult{TaskID: t.ID, Status: TaskRunning}
			// Bus delivery is synchronous: a worker that replies inline re-enters
			// the inbox handler above, which takes mu, so mu is released for Send.
			mu.Unlock()
			err = c.bus.Send(ctx, bus.Envelope{From: orchestrator, To: t.AssignTo, Kind: "TaskAssignment", Payload: payload})
			mu.Lock()
			if err != nil {
				result.Tasks[t.ID] = TaskResult{TaskID: t.ID, Status: TaskFailed, Reason: err.Error()}
			}
		}
		return nil
	}

	if err := assignReady(); err != nil {
		return result, err
	}

	workflowDone := func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range tasks {
			switch result.Tasks[t.ID].Status {
			case TaskComplete, TaskFailed, TaskCancelled:
			default:
				return false
			}
		}
		return true
	}

	for !workflowDone() {
		select {
		case <-outcomes:
			if err := assignReady(); err != nil {
				return result, err
			}
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	return result, nil
}

// dependenciesMet reports whether every dependency of t has reached a
// terminal status.
func dependenciesMet(t Task, results map[string]TaskResult) bool {
	for _, dep := range t.Dependencies {
		r, ok := results[dep]
		if !ok {
			return false
		}
		switch r.Status {
		case TaskComplete, TaskFailed, TaskCancelled:
		default:
			return false
		}
	}
	return true
}

func dependencyFailed(t Task, results map[string]TaskResult) bool {
	for _, dep := range t.Dependencies {
		r := results[dep]
		if r.Status == TaskFailed || r.Status == TaskCancelled {
			return true
		}
	}
	return false
}
