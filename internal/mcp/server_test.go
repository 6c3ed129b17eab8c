package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer() *Server {
	s := NewServer("cogcore", 5, 100)
	s.RegisterTool(Tool{
		Name:        "echo",
		Description: "Echoes its input back.",
		Parameters:  map[string]Parameter{"text": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"echoed": args["text"]}, nil
		},
	})
	return s
}

func postJSON(t *testing.T, handler http.HandlerFunc, caller string, req Request) Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	httpReq.Header.Set("X-Caller-ID", caller)
	rec := httptest.NewRecorder()
	handler(rec, httpReq)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestServeStreamableHTTPInitialize(t *testing.T) {
	s := newTestServer()
	resp := postJSON(t, s.ServeStreamableHTTP, "caller-1", Request{JSONRPC: "2.0", ID: 1.0, Method: "initialize"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "cogcore", result["serverInfo"].(map[string]interface{})["name"])
}

func TestServeStreamableHTTPToolsListAndCall(t *testing.T) {
	s := newTestServer()

	listResp := postJSON(t, s.ServeStreamableHTTP, "caller-1", Request{JSONRPC: "2.0", ID: 1.0, Method: "tools/list"})
	require.Nil(t, listResp.Error)
	// postJSON round-trips the response through JSON, so nested values decode
	// as []interface{}/map[string]interface{} rather than their original types.
	tools := listResp.Result.(map[string]interface{})["tools"].([]interface{})
	assert.Len(t, tools, 1)

	callResp := postJSON(t, s.ServeStreamableHTTP, "caller-1", Request{
		JSONRPC: "2.0", ID: 2.0, Method: "tools/call",
		Params: map[string]interface{}{"name": "echo", "arguments": map[string]interface{}{"text": "hi"}},
	})
	require.Nil(t, callResp.Error)
	content := callResp.Result.(map[string]interface{})["content"].([]interface{})
	require.Len(t, content, 1)
	text := content[0].(map[string]interface{})["text"].(string)
	assert.Contains(t, text, "hi")
}

func TestServeStreamableHTTPUnknownToolReturnsDomainError(t *testing.T) {
	s := newTestServer()
	resp := postJSON(t, s.ServeStreamableHTTP, "caller-1", Request{
		JSONRPC: "2.0", ID: 1.0, Method: "tools/call",
		Params: map[string]interface{}{"name": "nonexistent", "arguments": map[string]interface{}{}},
	})
	require.NotNil(t, resp.Error)
}

func TestServeStreamableHTTPMissingCallerIDRejected(t *testing.T) {
	s := newTestServer()
	httpReq := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.ServeStreamableHTTP(rec, httpReq)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectionManagerEnforcesPerCallerLimit(t *testing.T) {
	cm := NewConnectionManager(1, 100)
	assert.True(t, cm.TryAcquire("agent-1"))
	assert.False(t, cm.TryAcquire("agent-1"))
	cm.ReleaseSlot("agent-1")
	assert.True(t, cm.TryAcquire("agent-1"))
	cm.Shutdown()
}

func TestConnectionManagerEnforcesGlobalLimit(t *testing.T) {
	cm := NewConnectionManager(10, 1)
	assert.True(t, cm.TryAcquire("agent-1"))
	assert.False(t, cm.TryAcquire("agent-2"))
	cm.Shutdown()
}
