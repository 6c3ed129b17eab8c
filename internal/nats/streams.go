package nats

import (
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject patterns for the JetStream-backed cross-process bus busgateway
// exposes. Use fmt.Sprintf(SubjectWorkerHeartbeat, workerID) etc. to build
// a concrete subject.
const (
	// SubjectWorkerHeartbeat carries periodic worker liveness reports, one
	// subject per worker (workers.Registry's equivalent over the wire).
	SubjectWorkerHeartbeat = "worker.%s.heartbeat"

	// SubjectAllWorkerHeartbeats subscribes to every worker's heartbeats.
	SubjectAllWorkerHeartbeats = "worker.*.heartbeat"

	// SubjectToolDispatch carries tool execution requests routed to a
	// remote worker process (tools.Executor's wire equivalent).
	SubjectToolDispatch = "tools.dispatch"

	// SubjectEnvelope carries bus.Envelope direct-sends when a deployment
	// runs agents across processes instead of in one.
	SubjectEnvelope = "bus.envelope.%s"

	// SubjectBroadcast carries bus.Publish topic fan-out across processes.
	SubjectBroadcast = "bus.broadcast.%s"
)

// StreamManager manages the JetStream streams busgateway needs for
// durable delivery of worker heartbeats and bus traffic.
type StreamManager struct {
	js nats.JetStreamContext
}

// NewStreamManager creates a new StreamManager with JetStream context.
func NewStreamManager(nc *nats.Conn) (*StreamManager, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &StreamManager{js: js}, nil
}

// SetupStreams creates or updates every stream this deployment depends on.
func (sm *StreamManager) SetupStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:        "WORKER_PRESENCE",
			Description: "Worker heartbeat and liveness messages",
			Subjects:    []string{"worker.>"},
			Storage:     nats.MemoryStorage,
			MaxAge:      5 * time.Minute,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        "TOOL_DISPATCH",
			Description: "Tool execution requests routed to remote workers",
			Subjects:    []string{"tools.>"},
			Storage:     nats.MemoryStorage,
			MaxAge:      time.Hour,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        "BUS_TRAFFIC",
			Description: "Cross-process bus envelopes and topic broadcasts",
			Subjects:    []string{"bus.>"},
			Storage:     nats.FileStorage,
			MaxAge:      24 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
	}

	for _, streamCfg := range streams {
		if err := sm.createOrUpdateStream(streamCfg); err != nil {
			return err
		}
	}

	log.Println("[nats-streams] all streams configured")
	return nil
}

func (sm *StreamManager) createOrUpdateStream(cfg nats.StreamConfig) error {
	info, err := sm.js.StreamInfo(cfg.Name)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			log.Printf("[nats-streams] creating stream %s subjects=%v", cfg.Name, cfg.Subjects)
			_, err := sm.js.AddStream(&cfg)
			return err
		}
		return err
	}

	log.Printf("[nats-streams] updating stream %s (messages=%d)", cfg.Name, info.State.Msgs)
	_, err = sm.js.UpdateStream(&cfg)
	return err
}

// DeleteStream removes a stream by name, for cleanup/testing.
func (sm *StreamManager) DeleteStream(name string) error {
	return sm.js.DeleteStream(name)
}

// GetStreamInfo returns information about a specific stream.
func (sm *StreamManager) GetStreamInfo(name string) (*nats.StreamInfo, error) {
	return sm.js.StreamInfo(name)
}
