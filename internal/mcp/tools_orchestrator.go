package mcp

import (
	"context"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/lead"
)

// RegisterOrchestratorTools wires the orchestrator tool group's single
// entry point, handle_query, directly onto lead.Agent.HandleQuery.
func RegisterOrchestratorTools(r *Registry, agent *lead.Agent) {
	r.Register(Tool{
		Name:        "handle_query",
		Group:       "orchestrator",
		Description: "Answer a natural-language query by analyzing it, planning and spawning worker delegations, and synthesizing their findings.",
		Parameters: map[string]Parameter{
			"text":         {Type: "string", Description: "The query text", Required: true},
			"workspace_id": {Type: "string", Description: "Workspace the query runs against", Required: true},
			"session_id":   {Type: "string", Description: "Calling session id"},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			q := lead.Query{
				Text:        strArg(args, "text"),
				WorkspaceID: ids.WorkspaceID(strArg(args, "workspace_id")),
				SessionID:   ids.SessionID(strArg(args, "session_id")),
			}
			return agent.HandleQuery(ctx, q)
		},
	})
}
