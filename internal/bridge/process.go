package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/lead"
)

// WorkerRequest is written as one JSON document to a spawned worker's stdin:
// everything it needs to know about its assignment.
type WorkerRequest struct {
	AgentID              ids.AgentID `json:"agent_id"`
	DelegationID         string      `json:"delegation_id"`
	Objective            string      `json:"objective"`
	OutputFormat         string      `json:"output_format,omitempty"`
	RequiredCapabilities []string    `json:"required_capabilities,omitempty"`
	AllowedTools         []string    `json:"allowed_tools,omitempty"`
	ScopeInclude         []string    `json:"scope_include,omitempty"`
	ScopeExclude         []string    `json:"scope_exclude,omitempty"`
	Constraints          []string    `json:"constraints,omitempty"`
	MaxToolCalls         int         `json:"max_tool_calls,omitempty"`
}

func requestFor(agent ids.AgentID, d lead.Delegation) WorkerRequest {
	return WorkerRequest{
		AgentID:              agent,
		DelegationID:         string(d.ID),
		Objective:            d.Objective,
		OutputFormat:         d.OutputFormat,
		RequiredCapabilities: d.RequiredCapabilities,
		AllowedTools:         d.AllowedTools,
		ScopeInclude:         d.ScopeInclude,
		ScopeExclude:         d.ScopeExclude,
		Constraints:          d.Constraints,
		MaxToolCalls:         d.MaxToolCalls,
	}
}

// ExecSpawner runs a worker as a real OS process: the command and args are
// fixed at construction (typically a worker-agent CLI binary), and every
// spawn feeds it the delegation as one JSON document on stdin, the way the
// monitor's spawner feeds an agent CLI its initial prompt.
type ExecSpawner struct {
	Command string
	Args    []string
}

// NewExecSpawner builds an ExecSpawner that launches command with args on
// every Spawn call.
func NewExecSpawner(command string, args ...string) *ExecSpawner {
	return &ExecSpawner{Command: command, Args: args}
}

// Spawn starts the worker process, writes its WorkerRequest to stdin, and
// returns a Process streaming its stdout events.
func (s *ExecSpawner) Spawn(ctx context.Context, agent ids.AgentID, d lead.Delegation) (Process, error) {
	req, err := json.Marshal(requestFor(agent, d))
	if err != nil {
		return nil, fmt.Errorf("bridge: encode worker request: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Stdin = bytes.NewReader(req)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("bridge: start worker process: %w", err)
	}

	events := make(chan Event, 16)
	go drainEventLines(stdout, events)

	return &execProcess{cmd: cmd, events: events}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	events  chan Event
	mu      sync.Mutex
	waited  bool
	waitErr error
}

func (p *execProcess) Events() <-chan Event { return p.events }

func (p *execProcess) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.waited {
		p.waitErr = p.cmd.Wait()
		p.waited = true
	}
	return p.waitErr
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
