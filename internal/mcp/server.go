package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Server implements the outgoing tool surface over both the legacy SSE
// transport and the newer Streamable HTTP transport.
type Server struct {
	connections      *ConnectionManager
	tools            *Registry
	shutdownRequired func(callerID string) bool
	onToolCall       func(callerID string, toolName string)
	serverName       string
}

// NewServer builds a Server named serverName (surfaced in initialize's
// serverInfo), with connection ceilings maxPerCaller/maxTotal.
func NewServer(serverName string, maxPerCaller, maxTotal int) *Server {
	return &Server{
		connections: NewConnectionManager(maxPerCaller, maxTotal),
		tools:       NewRegistry(),
		serverName:  serverName,
	}
}

// SetConnectionCallbacks installs connect/disconnect hooks.
func (s *Server) SetConnectionCallbacks(onConnect, onDisconnect func(callerID string)) {
	s.connections.SetCallbacks(onConnect, onDisconnect)
}

// SetShutdownChecker installs a predicate flagging callers whose session
// should wind down; surfaced to the client as a result flag rather than a
// hard disconnect, so in-flight tool calls can finish.
func (s *Server) SetShutdownChecker(checker func(callerID string) bool) {
	s.shutdownRequired = checker
}

// SetToolCallObserver installs a callback fired on every tools/call, for
// request counters.
func (s *Server) SetToolCallObserver(observer func(callerID string, toolName string)) {
	s.onToolCall = observer
}

// RegisterTool adds one tool to the server's registry.
func (s *Server) RegisterTool(t Tool) {
	s.tools.Register(t)
}

// ConnectedCallerIDs lists every caller with an open SSE stream.
func (s *Server) ConnectedCallerIDs() []string {
	return s.connections.ConnectedCallerIDs()
}

// NotifyCaller pushes a notification to one connected caller.
func (s *Server) NotifyCaller(callerID, method string, params interface{}) error {
	conn := s.connections.Get(callerID)
	if conn == nil {
		return fmt.Errorf("caller %s not connected", callerID)
	}
	return conn.SendNotification(method, params)
}

// Broadcast pushes a notification to every connected caller.
func (s *Server) Broadcast(method string, params interface{}) {
	s.connections.Broadcast(method, params)
}

func callerID(r *http.Request) string {
	if id := r.Header.Get("X-Caller-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("caller_id")
}

// ServeStreamableHTTP implements the Streamable HTTP transport: one endpoint
// handling POST (JSON-RPC request/response), GET (SSE stream for
// server-initiated notifications), and DELETE (session termination).
func (s *Server) ServeStreamableHTTP(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "X-Caller-ID header or caller_id query param required", http.StatusBadRequest)
		return
	}
	sessionID := r.Header.Get("Mcp-Session-Id")

	switch r.Method {
	case http.MethodPost:
		s.handleStreamablePost(w, r, caller)
	case http.MethodGet:
		s.handleStreamableGet(w, r, caller, sessionID)
	case http.MethodDelete:
		s.handleStreamableDelete(w, sessionID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStreamablePost(w http.ResponseWriter, r *http.Request, caller string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, errorResponse(nil, codeParseError, "parse error"))
		return
	}

	if req.Method == "initialize" {
		resp := s.handleInitialize(&req)
		w.Header().Set("Mcp-Session-Id", fmt.Sprintf("%x", time.Now().UnixNano()))
		s.writeJSON(w, resp)
		return
	}

	resp := s.handleRequest(r.Context(), caller, &req)

	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if accept := r.Header.Get("Accept"); accept == "text/event-stream" {
		if conn := s.connections.Get(caller); conn != nil {
			if err := conn.SendResponse(resp); err != nil {
				http.Error(w, "failed to send response", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}

	s.writeJSON(w, resp)
}

func (s *Server) handleStreamableGet(w http.ResponseWriter, r *http.Request, caller, sessionID string) {
	if !s.connections.TryAcquire(caller) {
		s.connections.WriteLimitExceeded(w, caller)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	conn, err := NewConnection(caller, w)
	if err != nil {
		s.connections.ReleaseSlot(caller)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessionID == "" {
		sessionID = conn.SessionID
	}
	w.Header().Set("Mcp-Session-Id", sessionID)

	s.connections.Add(caller, conn)
	defer s.connections.Remove(caller)
	conn.SetActive()

	s.pumpKeepalive(r, conn)
}

func (s *Server) handleStreamableDelete(w http.ResponseWriter, sessionID string) {
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id required for session termination", http.StatusBadRequest)
		return
	}
	if conn := s.connections.GetBySession(sessionID); conn != nil {
		s.connections.Remove(conn.CallerID)
	}
	w.WriteHeader(http.StatusOK)
}

// ServeSSE implements the legacy two-endpoint SSE transport's stream half:
// GET opens the stream, POST delivers one JSON-RPC request whose response is
// pushed back over that same stream (or returned directly if none is open).
func (s *Server) ServeSSE(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "X-Caller-ID header or caller_id query param required", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeJSON(w, errorResponse(nil, codeParseError, "parse error"))
			return
		}
		resp := s.handleRequest(r.Context(), caller, &req)
		if conn := s.connections.Get(caller); conn != nil {
			if err := conn.SendResponse(resp); err != nil {
				http.Error(w, "failed to send response", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.writeJSON(w, resp)
		return
	}

	if !s.connections.TryAcquire(caller) {
		s.connections.WriteLimitExceeded(w, caller)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	conn, err := NewConnection(caller, w)
	if err != nil {
		s.connections.ReleaseSlot(caller)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.connections.Add(caller, conn)
	defer s.connections.Remove(caller)
	conn.SetActive()

	endpoint := fmt.Sprintf("/mcp/message?session_id=%s", conn.SessionID)
	if err := conn.Send("endpoint", endpoint); err != nil {
		conn.Close()
		return
	}

	s.pumpKeepalive(r, conn)
}

func (s *Server) pumpKeepalive(r *http.Request, conn *Connection) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done:
			return
		case <-r.Context().Done():
			conn.Close()
			return
		case <-ticker.C:
			if conn.IsClosed() {
				return
			}
			if err := conn.Send("ping", map[string]int64{"time": time.Now().Unix()}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// ServeMessage implements the legacy transport's message half: a POST
// carrying one JSON-RPC request, addressed by session_id rather than caller
// ID, whose response is pushed over the matching open SSE stream.
func (s *Server) ServeMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	conn := s.connections.GetBySession(sessionID)
	if conn == nil {
		http.Error(w, "invalid session", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		_ = conn.SendResponse(errorResponse(nil, codeParseError, "parse error"))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := s.handleRequest(r.Context(), conn.CallerID, &req)
	if err := conn.SendResponse(resp); err != nil {
		http.Error(w, "failed to send response", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRequest(ctx context.Context, caller string, req *Request) Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, caller, req)
	default:
		return methodNotFound(req.ID, req.Method)
	}
}

func (s *Server) handleInitialize(req *Request) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]string{
				"name":    s.serverName,
				"version": "1.0.0",
			},
			"capabilities": map[string]interface{}{
				"tools": map[string]bool{"listChanged": false},
			},
		},
	}
}

func (s *Server) handleToolsList(req *Request) Response {
	return Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{"tools": s.tools.List()}}
}

func (s *Server) handleToolsCall(ctx context.Context, caller string, req *Request) Response {
	params, ok := req.Params.(map[string]interface{})
	if !ok {
		return errorResponse(req.ID, codeInvalidParams, "invalid params")
	}

	toolName, _ := params["name"].(string)
	toolArgs, _ := params["arguments"].(map[string]interface{})

	if toolName == "" {
		return errorResponse(req.ID, codeInvalidParams, "tool name required")
	}
	if s.onToolCall != nil {
		s.onToolCall(caller, toolName)
	}

	result, err := s.tools.Execute(ctx, toolName, caller, toolArgs)
	if err != nil {
		return domainErrorResponse(req.ID, err)
	}

	resultText := fmt.Sprintf("%v", result)
	if jsonBytes, err := json.Marshal(result); err == nil {
		resultText = string(jsonBytes)
	}

	resultMap := map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": resultText}},
	}
	if s.shutdownRequired != nil && s.shutdownRequired(caller) {
		resultMap["_shutdown_requested"] = true
	}

	return Response{JSONRPC: "2.0", ID: req.ID, Result: resultMap}
}

func (s *Server) writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
