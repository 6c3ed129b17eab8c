// Package mcp implements the outgoing MCP-style tool surface of spec.md's
// §6 EXTERNAL INTERFACES addition: a JSON-RPC server over SSE/HTTP exposing
// the orchestrator's tool groups (workspace, virtual filesystem, documents,
// orchestrator) to an external agent host. Grounded on the monitor's
// internal/mcp.Server (JSON-RPC request/response shape, SSE transport,
// connection lifecycle) and internal/types (MCPRequest/MCPResponse/MCPError
// wire shapes), generalized from a fixed set of captain/team tools to the
// typed request/response contracts this module's tool groups define.
package mcp

import (
	"fmt"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

// Request is one JSON-RPC 2.0 call from a connected client.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 reply. Exactly one of Result/Error is set on
// a response carrying a non-nil ID.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Notification is a server-initiated, response-less message (e.g. the
// keepalive ping or a broadcast).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Error is a JSON-RPC error object. Code follows the monitor's MCPError.Code
// convention of small negative integers in the JSON-RPC reserved range;
// domain errors reuse the same codes internal/coreerr.Code assigns.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC protocol-level codes, outside the domain error range.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

func errorResponse(id interface{}, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

// domainErrorResponse maps err onto the stable coreerr.Code this module's
// error taxonomy assigns it, falling back to the JSON-RPC generic server
// error code when err is not one of the taxonomy's sentinels.
func domainErrorResponse(id interface{}, err error) Response {
	code := int(coreerr.CodeFor(err))
	if code == 0 {
		code = -32000
	}
	return errorResponse(id, code, err.Error())
}

func methodNotFound(id interface{}, method string) Response {
	return errorResponse(id, codeMethodNotFound, fmt.Sprintf("method not found: %s", method))
}
