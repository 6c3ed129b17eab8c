// Package httpapi wires the outgoing MCP-style tool surface and the
// observability dashboard feed onto a single gorilla/mux router, adapted
// from the monitor's internal/server.setupRoutes (route table shape) and
// internal/server.SecurityHeadersMiddleware (response header hardening).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ry-ht/cogcore/internal/mcp"
	"github.com/ry-ht/cogcore/internal/observability"
	"github.com/ry-ht/cogcore/internal/storage"
)

// Router holds the dependencies the HTTP surface routes against.
type Router struct {
	mcpServer *mcp.Server
	dashboard *observability.Dashboard
	gateway   *storage.Gateway
	metrics   prometheus.Gatherer
}

// NewRouter builds a Router. dashboard and metrics may be nil when a
// deployment doesn't run a websocket feed or a Prometheus registry.
func NewRouter(mcpServer *mcp.Server, dashboard *observability.Dashboard, gateway *storage.Gateway) *Router {
	return &Router{mcpServer: mcpServer, dashboard: dashboard, gateway: gateway}
}

// WithMetrics attaches a Prometheus gatherer, exposed at /metrics.
func (rt *Router) WithMetrics(gatherer prometheus.Gatherer) *Router {
	rt.metrics = gatherer
	return rt
}

// Mount registers every route on r and returns it for chaining.
func (rt *Router) Mount(r *mux.Router) *mux.Router {
	r.Use(securityHeadersMiddleware)

	if rt.mcpServer != nil {
		r.HandleFunc("/mcp", rt.mcpServer.ServeStreamableHTTP).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)
		r.HandleFunc("/mcp/sse", rt.mcpServer.ServeSSE).Methods(http.MethodGet)
		r.HandleFunc("/mcp/message", rt.mcpServer.ServeMessage).Methods(http.MethodPost)
	}

	if rt.dashboard != nil {
		r.HandleFunc("/dashboard/feed", rt.dashboard.ServeHTTP).Methods(http.MethodGet)
	}

	if rt.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/healthz", rt.handleHealth).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)

	return r
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "no such route: "+r.URL.Path)
}

// NewServeMux is a convenience for callers that just want a ready-to-serve
// *mux.Router without touching mux directly.
func (rt *Router) NewServeMux() *mux.Router {
	return rt.Mount(mux.NewRouter())
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]interface{}{"status": "ok"}
	code := http.StatusOK

	if rt.gateway != nil {
		if err := rt.gateway.Health(ctx); err != nil {
			status["status"] = "degraded"
			status["storage_error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	respondJSON(w, code, status)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
