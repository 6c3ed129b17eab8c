// Package ids defines the opaque identifier and clock primitives shared by
// every tier of the cognitive memory substrate and by the orchestrator
// runtime. Identifiers are UUIDv4 strings wrapped in distinct types so the
// compiler catches a WorkspaceID passed where a SessionID is expected.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// WorkspaceID identifies an isolation boundary for code, memory, and sessions.
type WorkspaceID string

// SessionID identifies an agent's per-task context namespace.
type SessionID string

// AgentID identifies a registered worker or lead agent.
type AgentID string

// EpisodeID identifies a completed or abandoned task record.
type EpisodeID string

// UnitID identifies a semantic code unit (function, class, module).
type UnitID string

// MessageID identifies a single message envelope.
type MessageID string

// PatternID identifies a procedural-memory pattern.
type PatternID string

// DelegationID identifies a delegation handed to a worker.
type DelegationID string

// PlanID identifies an execution plan.
type PlanID string

// NodeID identifies a virtual filesystem node.
type NodeID string

// New mints a fresh random identifier string. Callers wrap the result in the
// typed alias appropriate to the entity being created.
func New() string {
	return uuid.New().String()
}

// NewWorkspaceID mints a fresh WorkspaceID.
func NewWorkspaceID() WorkspaceID { return WorkspaceID(New()) }

// NewSessionID mints a fresh SessionID.
func NewSessionID() SessionID { return SessionID(New()) }

// NewAgentID mints a fresh AgentID.
func NewAgentID() AgentID { return AgentID(New()) }

// NewEpisodeID mints a fresh EpisodeID.
func NewEpisodeID() EpisodeID { return EpisodeID(New()) }

// NewUnitID mints a fresh UnitID.
func NewUnitID() UnitID { return UnitID(New()) }

// NewMessageID mints a fresh MessageID.
func NewMessageID() MessageID { return MessageID(New()) }

// NewPatternID mints a fresh PatternID.
func NewPatternID() PatternID { return PatternID(New()) }

// NewDelegationID mints a fresh DelegationID.
func NewDelegationID() DelegationID { return DelegationID(New()) }

// NewPlanID mints a fresh PlanID.
func NewPlanID() PlanID { return PlanID(New()) }

// NewNodeID mints a fresh NodeID.
func NewNodeID() NodeID { return NodeID(New()) }

// Clock supplies wall-clock and monotonic-ish timestamps. Production code
// uses SystemClock; tests inject a FixedClock or a manually advanced one so
// decay, TTL, and heartbeat-deadline logic is deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a Clock that always reports the same instant, useful for
// golden-output tests that must not depend on wall time.
type FixedClock struct{ At time.Time }

// Now returns the fixed instant.
func (f FixedClock) Now() time.Time { return f.At }
