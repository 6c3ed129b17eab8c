package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog/log"
)

// EmbeddedServerConfig configures the in-process broker busgateway (and any
// test that needs a throwaway broker) boots instead of dialing an external
// NATS deployment.
type EmbeddedServerConfig struct {
	Port          int    // listen port; defaults to 4222
	WebSocketPort int    // WebSocket listen port, 0 disables it
	JetStream     bool   // enable JetStream persistence for the durable streams in streams.go
	DataDir       string // JetStream store directory, required when JetStream is true
}

// EmbeddedServer wraps a nats-server/v2 instance running in this process.
// cogcore uses it two ways: cmd/busgateway boots one as a long-lived
// standalone broker, and internal/nats's own tests boot one per test on a
// scratch port to exercise Client against a real connection.
type EmbeddedServer struct {
	server  *server.Server
	config  EmbeddedServerConfig
	mu      sync.RWMutex
	running bool
}

// ClientInfo describes one connection currently attached to the broker, as
// reported by the server's own connection registry rather than bookkeeping
// this package maintains separately.
type ClientInfo struct {
	ClientID    string
	ConnectedAt time.Time
}

// NewEmbeddedServer validates config and prepares a broker, without
// starting it yet.
func NewEmbeddedServer(config EmbeddedServerConfig) (*EmbeddedServer, error) {
	if config.Port <= 0 {
		config.Port = 4222
	}

	if config.JetStream && config.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required when JetStream is enabled")
	}

	return &EmbeddedServer{config: config}, nil
}

// Start brings the broker up and blocks until it accepts connections.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoLog:      false,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	if e.config.WebSocketPort > 0 {
		opts.Websocket = server.WebsocketOpts{
			Host:  "127.0.0.1",
			Port:  e.config.WebSocketPort,
			NoTLS: true,
		}
	}

	if e.config.JetStream {
		opts.JetStream = true
		opts.StoreDir = e.config.DataDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("construct broker: %w", err)
	}

	e.server = ns
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("broker not ready for connections")
	}

	e.running = true

	log.Info().Str("url", e.urlLocked()).Msg("busgateway broker listening")
	if e.config.WebSocketPort > 0 {
		log.Info().Str("url", e.webSocketURLLocked()).Msg("busgateway websocket listening")
	}

	return nil
}

// Shutdown stops the broker and waits for it to fully drain. Safe to call
// on a server that was never started or is already stopped.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.server == nil {
		return
	}

	e.server.Shutdown()
	e.server.WaitForShutdown()

	e.running = false
	e.server = nil
}

// URL returns this broker's client connection URL.
func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.urlLocked()
}

func (e *EmbeddedServer) urlLocked() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", e.config.Port)
}

// WebSocketURL returns this broker's WebSocket URL, or "" if disabled.
func (e *EmbeddedServer) WebSocketURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.webSocketURLLocked()
}

func (e *EmbeddedServer) webSocketURLLocked() string {
	if e.config.WebSocketPort <= 0 {
		return ""
	}
	return fmt.Sprintf("ws://127.0.0.1:%d", e.config.WebSocketPort)
}

// IsRunning reports whether Start has succeeded and Shutdown has not yet
// been called.
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// GetConnectedClients lists every connection currently attached to the
// broker, named by whatever name each Client passed to NewClient (the
// broker's own connection registry, not a side map this package
// maintains — so a client that dies without calling Close still drops out
// promptly once the broker reaps the stale connection).
func (e *EmbeddedServer) GetConnectedClients() []ClientInfo {
	e.mu.RLock()
	ns := e.server
	e.mu.RUnlock()

	if ns == nil {
		return nil
	}

	connz, err := ns.Connz(&server.ConnzOptions{})
	if err != nil {
		log.Warn().Err(err).Msg("query broker connection list")
		return nil
	}

	clients := make([]ClientInfo, 0, len(connz.Conns))
	for _, c := range connz.Conns {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("cid-%d", c.Cid)
		}
		clients = append(clients, ClientInfo{ClientID: name, ConnectedAt: c.Start})
	}
	return clients
}

// IsClientConnected reports whether a connection named clientID (the name
// given to NewClient) currently holds a connection to the broker.
func (e *EmbeddedServer) IsClientConnected(clientID string) bool {
	for _, c := range e.GetConnectedClients() {
		if c.ClientID == clientID {
			return true
		}
	}
	return false
}
