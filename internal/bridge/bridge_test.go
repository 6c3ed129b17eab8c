package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/lead"
)

// fakeProcess is an in-process stand-in for a worker: it streams canned
// Events and tracks whether Kill was ever called, so tests can assert on the
// tool-call-budget and cancellation paths without a real subprocess.
type fakeProcess struct {
	events  chan Event
	waitErr error

	mu     sync.Mutex
	killed bool
}

func (p *fakeProcess) Events() <-chan Event { return p.events }
func (p *fakeProcess) Wait() error          { return p.waitErr }
func (p *fakeProcess) PID() int             { return 1 }
func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	return nil
}
func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeSpawner struct {
	proc *fakeProcess
}

func (s *fakeSpawner) Spawn(ctx context.Context, agent ids.AgentID, d lead.Delegation) (Process, error) {
	return s.proc, nil
}

func delegation(maxToolCalls int) lead.Delegation {
	return lead.Delegation{ID: ids.NewDelegationID(), Aspect: "root_cause", Objective: "find the bug", MaxToolCalls: maxToolCalls}
}

func TestExecuteCollectsFindingsAndMarksSuccess(t *testing.T) {
	events := make(chan Event, 8)
	events <- Event{Type: EventToolCall, Tool: "code_read"}
	events <- Event{Type: EventFinding, Finding: &FindingPayload{ID: "f1", Content: "nil deref in handler", Confidence: 0.8, Impact: 0.6}}
	events <- Event{Type: EventDone, Success: true}
	close(events)

	proc := &fakeProcess{events: events}
	b := New(&fakeSpawner{proc: proc}, ids.SystemClock{}, zerolog.Nop())

	result, err := b.Execute(context.Background(), "worker-1", delegation(10))
	require.NoError(t, err)
	assert.False(t, result.Failed)
	assert.Equal(t, 1.0, result.SuccessRate)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "root_cause", result.Findings[0].Aspect)
	assert.Equal(t, "nil deref in handler", result.Findings[0].Content)
}

func TestExecuteKillsWorkerOnToolCallBudgetExceeded(t *testing.T) {
	events := make(chan Event, 8)
	events <- Event{Type: EventFinding, Finding: &FindingPayload{ID: "f1", Content: "partial result", Confidence: 0.5}}
	events <- Event{Type: EventToolCall}
	events <- Event{Type: EventToolCall}
	close(events)

	proc := &fakeProcess{events: events}
	b := New(&fakeSpawner{proc: proc}, ids.SystemClock{}, zerolog.Nop())

	result, err := b.Execute(context.Background(), "worker-1", delegation(1))
	require.NoError(t, err)
	assert.True(t, proc.wasKilled())
	assert.False(t, result.Failed)
	require.Len(t, result.Findings, 1)
}

func TestExecuteReturnsWorkerLostWhenProcessExitsWithoutDone(t *testing.T) {
	events := make(chan Event)
	close(events)

	proc := &fakeProcess{events: events, waitErr: errors.New("exit status 1")}
	b := New(&fakeSpawner{proc: proc}, ids.SystemClock{}, zerolog.Nop())

	_, err := b.Execute(context.Background(), "worker-1", delegation(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerr.ErrWorkerLost)
}

func TestExecuteReturnsCancelledOnContextCancellation(t *testing.T) {
	events := make(chan Event) // never closes, never sends
	proc := &fakeProcess{events: events}
	b := New(&fakeSpawner{proc: proc}, ids.SystemClock{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Execute(ctx, "worker-1", delegation(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerr.ErrCancelled)
	assert.True(t, proc.wasKilled())
}
