package coordinator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/bus"
	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *bus.Bus) {
	t.Helper()
	docs, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "coord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	gw := storage.NewGateway(docs, nil, 100, time.Second, nil)
	b := bus.New(bus.NewEnvelopeLog(gw), bus.Config{}, zerolog.Nop())

	locks, err := NewLockManager(LockManagerConfig{NodeID: "test-node"}, gw, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { locks.Close() })

	c := New(b, locks, nil, zerolog.Nop(), ids.SystemClock{})
	return c, b
}

func TestRequestResponseRoundTrip(t *testing.T) {
	c, b := newTestCoordinator(t)
	b.RegisterHandler("worker-1", func(ctx context.Context, env bus.Envelope) error {
		c.Pong(env.To, env.CorrelationID)
		return nil
	})

	resp, err := c.Request(context.Background(), bus.Envelope{From: "lead", To: "worker-1", Kind: "Ping"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Pong", resp.Kind)
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	c, b := newTestCoordinator(t)
	b.RegisterHandler("silent", func(ctx context.Context, env bus.Envelope) error { return nil })

	_, err := c.Request(context.Background(), bus.Envelope{From: "lead", To: "silent", Kind: "Ping"}, 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerr.ErrTimeout)
}

func TestAcquireIsReentrantByHolder(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Acquire(ctx, "entity-1", Write, "holder-a", 0, time.Second))
	require.NoError(t, c.Acquire(ctx, "entity-1", Write, "holder-a", 0, time.Second))
	require.NoError(t, c.Release(ctx, "entity-1", "holder-a"))
}

func TestAcquireBlocksOtherHolderUntilRelease(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Acquire(ctx, "entity-2", Write, "holder-a", 0, time.Second))

	done := make(chan error, 1)
	go func() {
		done <- c.Acquire(ctx, "entity-2", Write, "holder-b", 0, 500*time.Millisecond)
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.Release(ctx, "entity-2", "holder-a"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("holder-b never acquired entity-2 after release")
	}
}

func TestAcquireReadLocksAreShared(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Acquire(ctx, "entity-3", Read, "holder-a", 0, time.Second))
	require.NoError(t, c.Acquire(ctx, "entity-3", Read, "holder-b", 0, time.Second))
}

func TestCoordinateRespectsDependenciesAndCancelsOnFailure(t *testing.T) {
	c, b := newTestCoordinator(t)
	ctx := context.Background()

	b.RegisterHandler("worker-a", func(ctx context.Context, env bus.Envelope) error {
		var p taskAssignmentPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		out, _ := json.Marshal(taskOutcomePayload{WorkflowID: p.WorkflowID, TaskID: p.TaskID})
		return b.Send(ctx, bus.Envelope{From: "worker-a", To: "lead", Kind: "TaskComplete", Payload: out})
	})
	b.RegisterHandler("worker-b", func(ctx context.Context, env bus.Envelope) error {
		var p taskAssignmentPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		out, _ := json.Marshal(taskOutcomePayload{WorkflowID: p.WorkflowID, TaskID: p.TaskID, Reason: "boom"})
		return b.Send(ctx, bus.Envelope{From: "worker-b", To: "lead", Kind: "TaskFailed", Payload: out})
	})

	tasks := []Task{
		{ID: "t1", AssignTo: "worker-a"},
		{ID: "t2", AssignTo: "worker-b", Dependencies: []string{"t1"}},
		{ID: "t3", AssignTo: "worker-a", Dependencies: []string{"t2"}},
	}

	result, err := c.Coordinate(ctx, "wf-1", tasks, "lead")
	require.NoError(t, err)
	assert.Equal(t, TaskComplete, result.Tasks["t1"].Status)
	assert.Equal(t, TaskFailed, result.Tasks["t2"].Status)
	assert.Equal(t, TaskCancelled, result.Tasks["t3"].Status)
}

func TestShareBroadcastsToEveryTarget(t *testing.T) {
	c, b := newTestCoordinator(t)
	received := make(chan bus.Envelope, 2)
	b.RegisterHandler("peer-1", func(ctx context.Context, env bus.Envelope) error {
		received <- env
		return nil
	})
	b.RegisterHandler("peer-2", func(ctx context.Context, env bus.Envelope) error {
		received <- env
		return nil
	})

	require.NoError(t, c.Share(context.Background(), "lead", "ws-1", "ep-1", []ids.AgentID{"peer-1", "peer-2"}))
	for i := 0; i < 2; i++ {
		select {
		case env := <-received:
			assert.Equal(t, "KnowledgeShare", env.Kind)
		case <-time.After(time.Second):
			t.Fatal("knowledge share never delivered")
		}
	}
}

func TestPingDowngradesHealthOnRepeatedMiss(t *testing.T) {
	c, b := newTestCoordinator(t)
	b.RegisterHandler("ghost", func(ctx context.Context, env bus.Envelope) error { return nil })
	assert.Equal(t, HealthUnknown, c.HealthOf("ghost"))

	for i := 0; i < downgradeAfter; i++ {
		_, err := c.Ping(context.Background(), "lead", "ghost", 10*time.Millisecond)
		require.Error(t, err)
	}
	assert.Equal(t, HealthDown, c.HealthOf("ghost"))
}
