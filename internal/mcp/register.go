package mcp

import (
	"github.com/ry-ht/cogcore/internal/lead"
	"github.com/ry-ht/cogcore/internal/storage"
	"github.com/ry-ht/cogcore/internal/vfs"
)

// RegisterCoreTools wires every tool group this module exposes onto server.
// orchestratorAgent may be nil (e.g. a server that only fronts storage/vfs
// tools in a test), in which case the orchestrator group is skipped.
func RegisterCoreTools(server *Server, gateway *storage.Gateway, fs *vfs.FS, orchestratorAgent *lead.Agent) {
	registry := NewRegistry()
	RegisterWorkspaceTools(registry, gateway, fs)
	RegisterVFSTools(registry, fs)
	RegisterDocumentTools(registry, gateway)
	if orchestratorAgent != nil {
		RegisterOrchestratorTools(registry, orchestratorAgent)
	}
	for _, t := range registry.Tools() {
		server.RegisterTool(t)
	}
}
