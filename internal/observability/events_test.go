package observability

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(zerolog.Nop())
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := newTestBus()
	ch := bus.Subscribe("lead")

	bus.Publish(Event{ID: "ev-1", Component: "lead", Severity: SeverityInfo, Message: "spawned worker"})

	select {
	case got := <-ch:
		assert.Equal(t, "ev-1", got.ID)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected event was not delivered")
	}

	bus.Unsubscribe("lead", ch)
}

func TestBus_AllSubscriberReceivesEveryComponent(t *testing.T) {
	bus := newTestBus()
	ch := bus.Subscribe("all")
	defer bus.Unsubscribe("all", ch)

	bus.Publish(Event{ID: "ev-2", Component: "episodic", Severity: SeverityWarn, Message: "forgetting pass"})

	select {
	case got := <-ch:
		assert.Equal(t, "episodic", got.Component)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("all-subscriber missed event")
	}
}

func TestBus_DropsAfterBackpressureExhausted(t *testing.T) {
	bus := newTestBus()
	ch := bus.Subscribe("bus")
	defer bus.Unsubscribe("bus", ch)

	// Fill the channel buffer (100) plus enough extra to exhaust retries
	// without anyone draining it.
	for i := 0; i < 110; i++ {
		bus.Publish(Event{ID: "x", Component: "bus", Severity: SeverityInfo})
	}

	require.Greater(t, bus.DroppedCount(), uint64(0))
}

func TestRouter_FansOutOnlyWarnAndError(t *testing.T) {
	bus := newTestBus()
	var got []Event
	sink := &WebhookSink{SinkName: "test", Send: func(ev Event) error {
		got = append(got, ev)
		return nil
	}}
	router := NewRouter(bus, sink)
	stop := make(chan struct{})
	defer close(stop)
	router.Start(stop)

	bus.Publish(Event{ID: "info-1", Component: "lead", Severity: SeverityInfo})
	bus.Publish(Event{ID: "warn-1", Component: "lead", Severity: SeverityWarn})
	time.Sleep(20 * time.Millisecond)

	require.Len(t, got, 1)
	assert.Equal(t, "warn-1", got[0].ID)
}
