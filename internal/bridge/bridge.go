// Package bridge implements the runtime bridge of spec.md §4.20: it
// translates a lead.Delegation into a concrete worker invocation and the
// worker's output back into a synthesis.WorkerResult. Grounded on the
// monitor's agent spawner (internal/agents.Spawner, internal/wezterm) which
// launches an agent CLI and watches its terminal pane's lifecycle; here a
// worker is an OS process (or, for tests, an in-process fake) instead of a
// terminal pane, and its tool calls and findings stream back as
// newline-delimited JSON on stdout instead of a WezTerm pane's screen
// contents.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/lead"
	"github.com/ry-ht/cogcore/internal/synthesis"
)

// EventType tags one line of a worker process's stdout stream.
type EventType string

const (
	// EventToolCall reports one tool invocation the worker made, counted
	// against the delegation's MaxToolCalls budget.
	EventToolCall EventType = "tool_call"
	// EventFinding reports one atomic claim the worker produced.
	EventFinding EventType = "finding"
	// EventDone marks the worker finished normally.
	EventDone EventType = "done"
	// EventError marks the worker gave up on its delegation.
	EventError EventType = "error"
)

// Event is one line of the worker protocol: a worker process emits a stream
// of these, newline-delimited JSON, on stdout.
type Event struct {
	Type    EventType       `json:"type"`
	Tool    string          `json:"tool,omitempty"`
	Finding *FindingPayload `json:"finding,omitempty"`
	Success bool            `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// FindingPayload is the wire shape of one worker-reported finding.
type FindingPayload struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Impact     float64 `json:"impact"`
}

// Process is a running worker: something that streams Events and can be
// waited on or killed. ExecProcess implements it over a real OS process;
// tests substitute a fake backed by an in-memory pipe.
type Process interface {
	Events() <-chan Event
	Wait() error
	PID() int
	Kill() error
}

// Spawner starts a worker process for one delegation. ExecSpawner launches a
// real subprocess; tests inject a fake that runs an in-process goroutine
// instead.
type Spawner interface {
	Spawn(ctx context.Context, agent ids.AgentID, d lead.Delegation) (Process, error)
}

// Bridge implements lead.WorkerExecutor by spawning a worker process per
// delegation, reading its event stream, and folding it into a
// synthesis.WorkerResult. It enforces the delegation's tool-call ceiling
// itself since the worker process is not trusted to stop on its own.
type Bridge struct {
	spawner Spawner
	clock   ids.Clock
	logger  zerolog.Logger
}

// New builds a Bridge around the given Spawner.
func New(spawner Spawner, clock ids.Clock, logger zerolog.Logger) *Bridge {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Bridge{spawner: spawner, clock: clock, logger: logger}
}

// Execute satisfies lead.WorkerExecutor: it spawns a worker for d, drains its
// event stream, and returns the accumulated findings. A tool-call count
// above d.MaxToolCalls kills the worker and returns a partial result rather
// than an error — the caller (lead.Agent) treats this delegation as having
// partially contributed, which is truer than discarding its findings so far.
func (b *Bridge) Execute(ctx context.Context, agent ids.AgentID, d lead.Delegation) (synthesis.WorkerResult, error) {
	proc, err := b.spawner.Spawn(ctx, agent, d)
	if err != nil {
		return synthesis.WorkerResult{}, fmt.Errorf("bridge: spawn worker for delegation %s: %w", d.ID, err)
	}

	start := b.clock.Now()
	result := synthesis.WorkerResult{DelegationID: string(d.ID), AgentID: agent}
	toolCalls := 0
	done := false
	failed := false

	events := proc.Events()
drain:
	for {
		select {
		case <-ctx.Done():
			_ = proc.Kill()
			return result, fmt.Errorf("bridge: delegation %s on worker %s: %w", d.ID, agent, coreerr.ErrCancelled)
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			switch ev.Type {
			case EventToolCall:
				toolCalls++
				if d.MaxToolCalls > 0 && toolCalls > d.MaxToolCalls {
					b.logger.Warn().Str("delegation", string(d.ID)).Int("tool_calls", toolCalls).Msg("bridge: worker exceeded tool-call budget, killing")
					_ = proc.Kill()
					break drain
				}
			case EventFinding:
				if ev.Finding != nil {
					result.Findings = append(result.Findings, synthesis.Finding{
						ID:           ev.Finding.ID,
						Aspect:       d.Aspect,
						Content:      ev.Finding.Content,
						Confidence:   ev.Finding.Confidence,
						Impact:       ev.Finding.Impact,
						DelegationID: string(d.ID),
					})
				}
			case EventDone:
				done = true
				failed = !ev.Success
				break drain
			case EventError:
				failed = true
				break drain
			}
		}
	}

	waitErr := proc.Wait()
	result.Duration = b.clock.Now().Sub(start)

	if !done && waitErr != nil {
		return result, fmt.Errorf("bridge: delegation %s on worker %s: %w", d.ID, agent, coreerr.ErrWorkerLost)
	}

	result.Failed = failed || (!done && len(result.Findings) == 0)
	if !result.Failed {
		result.SuccessRate = 1
	}
	return result, nil
}

// drainEventLines decodes newline-delimited JSON events from r onto ch,
// closing ch when r is exhausted. Shared by ExecProcess and any Process
// backed by a stream instead of a channel producer.
func drainEventLines(r io.Reader, ch chan<- Event) {
	defer close(ch)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		ch <- ev
	}
}
