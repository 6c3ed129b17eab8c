package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of one SSE connection.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateActive
	StateClosing
	StateClosed
)

// Default connection-count ceilings, overridable via NewConnectionManager's
// limiter arguments.
const (
	DefaultMaxConnectionsPerCaller = 5
	DefaultMaxTotalConnections     = 100
)

// Connection is one connected caller's open SSE stream.
type Connection struct {
	CallerID  string
	SessionID string
	Writer    http.ResponseWriter
	Flusher   http.Flusher
	Done      chan struct{}
	CreatedAt time.Time
	LastPing  time.Time
	state     ConnectionState
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewConnection wraps w as an SSE connection for callerID, failing if the
// response writer does not support streaming.
func NewConnection(callerID string, w http.ResponseWriter) (*Connection, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &Connection{
		CallerID:  callerID,
		SessionID: uuid.New().String(),
		Writer:    w,
		Flusher:   flusher,
		Done:      make(chan struct{}),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
		state:     StateConnecting,
	}, nil
}

// Send writes one SSE event frame.
func (c *Connection) Send(event string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	c.Flusher.Flush()
	c.LastPing = time.Now()
	return nil
}

// SendResponse sends a JSON-RPC response as an SSE "message" event.
func (c *Connection) SendResponse(resp Response) error {
	return c.Send("message", resp)
}

// SendNotification sends a JSON-RPC notification as an SSE "message" event.
func (c *Connection) SendNotification(method string, params interface{}) error {
	return c.Send("message", Notification{JSONRPC: "2.0", Method: method, Params: params})
}

// Close idempotently tears down the connection.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		c.mu.Unlock()

		close(c.Done)

		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
	})
}

// IsClosed reports whether the connection is closing or closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosing || c.state == StateClosed
}

// SetActive promotes a connecting connection to active.
func (c *Connection) SetActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.state = StateActive
	}
}

// ConnectionManager tracks every open SSE connection and enforces the
// per-caller and global connection ceilings a single manager used to split
// across two teacher types; folded into one here since neither side is
// useful without the other.
type ConnectionManager struct {
	mu               sync.RWMutex
	connections      map[string]*Connection
	sessions         map[string]*Connection
	perCallerCount   map[string]int
	totalConnections int
	maxPerCaller     int
	maxTotal         int
	onConnect        func(callerID string)
	onDisconnect     func(callerID string)
	shutdownChan     chan struct{}
	shutdownOnce     sync.Once
}

// NewConnectionManager builds a manager enforcing maxPerCaller and maxTotal
// connection ceilings. Zero values fall back to the package defaults.
func NewConnectionManager(maxPerCaller, maxTotal int) *ConnectionManager {
	if maxPerCaller <= 0 {
		maxPerCaller = DefaultMaxConnectionsPerCaller
	}
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotalConnections
	}
	m := &ConnectionManager{
		connections:    make(map[string]*Connection),
		sessions:       make(map[string]*Connection),
		perCallerCount: make(map[string]int),
		maxPerCaller:   maxPerCaller,
		maxTotal:       maxTotal,
		shutdownChan:   make(chan struct{}),
	}
	go m.cleanupStaleConnections()
	return m
}

func (m *ConnectionManager) cleanupStaleConnections() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdownChan:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			var stale []string
			for callerID, conn := range m.connections {
				conn.mu.Lock()
				lastPing := conn.LastPing
				closed := conn.state == StateClosing || conn.state == StateClosed
				conn.mu.Unlock()
				if closed || now.Sub(lastPing) > 5*time.Minute {
					stale = append(stale, callerID)
				}
			}
			m.mu.Unlock()
			for _, callerID := range stale {
				m.Remove(callerID)
			}
		}
	}
}

// Shutdown stops background cleanup and closes every open connection.
func (m *ConnectionManager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownChan)

		m.mu.Lock()
		for _, conn := range m.connections {
			conn.Close()
		}
		m.connections = make(map[string]*Connection)
		m.sessions = make(map[string]*Connection)
		m.perCallerCount = make(map[string]int)
		m.totalConnections = 0
		m.mu.Unlock()
	})
}

// SetCallbacks installs connect/disconnect hooks, used to drive presence
// notifications elsewhere in the server.
func (m *ConnectionManager) SetCallbacks(onConnect, onDisconnect func(callerID string)) {
	m.onConnect = onConnect
	m.onDisconnect = onDisconnect
}

// TryAcquire reserves a connection slot for callerID against both the
// per-caller and global ceilings, without yet registering a connection.
func (m *ConnectionManager) TryAcquire(callerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.totalConnections >= m.maxTotal {
		return false
	}
	if m.perCallerCount[callerID] >= m.maxPerCaller {
		return false
	}
	m.perCallerCount[callerID]++
	m.totalConnections++
	return true
}

// ReleaseSlot gives back a slot acquired via TryAcquire without an
// accompanying Add (e.g. the upgrade to SSE failed after the slot check).
func (m *ConnectionManager) ReleaseSlot(callerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseSlotLocked(callerID)
}

func (m *ConnectionManager) releaseSlotLocked(callerID string) {
	if count, ok := m.perCallerCount[callerID]; ok && count > 0 {
		m.perCallerCount[callerID]--
		if m.perCallerCount[callerID] == 0 {
			delete(m.perCallerCount, callerID)
		}
		m.totalConnections--
	}
}

// WriteLimitExceeded renders the 429 response for a caller that has no slot
// left, naming which ceiling it hit.
func (m *ConnectionManager) WriteLimitExceeded(w http.ResponseWriter, callerID string) {
	m.mu.RLock()
	current := m.perCallerCount[callerID]
	total := m.totalConnections
	m.mu.RUnlock()

	var message string
	switch {
	case total >= m.maxTotal:
		message = fmt.Sprintf("global connection limit exceeded (%d/%d)", total, m.maxTotal)
	case current >= m.maxPerCaller:
		message = fmt.Sprintf("per-caller connection limit exceeded for %s (%d/%d)", callerID, current, m.maxPerCaller)
	default:
		message = "connection limit exceeded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "10")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"error":"%s","error_code":"ERR_429","retry_after":10}`, message)
}

// Add registers conn for callerID, replacing and closing any existing
// connection for the same caller. The slot must already have been reserved
// with TryAcquire.
func (m *ConnectionManager) Add(callerID string, conn *Connection) {
	m.mu.Lock()
	if existing, ok := m.connections[callerID]; ok {
		delete(m.sessions, existing.SessionID)
		existing.Close()
		m.releaseSlotLocked(callerID)
	}
	m.connections[callerID] = conn
	m.sessions[conn.SessionID] = conn
	m.mu.Unlock()

	if m.onConnect != nil {
		m.onConnect(callerID)
	}
}

// Remove unregisters and closes callerID's connection, releasing its slot.
func (m *ConnectionManager) Remove(callerID string) {
	m.mu.Lock()
	if conn, ok := m.connections[callerID]; ok {
		delete(m.sessions, conn.SessionID)
		conn.Close()
		delete(m.connections, callerID)
		m.releaseSlotLocked(callerID)
	}
	m.mu.Unlock()

	if m.onDisconnect != nil {
		m.onDisconnect(callerID)
	}
}

// Get looks up a connection by caller ID.
func (m *ConnectionManager) Get(callerID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[callerID]
}

// GetBySession looks up a connection by its SSE session ID.
func (m *ConnectionManager) GetBySession(sessionID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// ConnectedCallerIDs lists every caller with an open connection.
func (m *ConnectionManager) ConnectedCallerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast sends a notification to every connected caller.
func (m *ConnectionManager) Broadcast(method string, params interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.connections {
		_ = conn.SendNotification(method, params)
	}
}

// Stats reports the current per-caller and total connection counts.
func (m *ConnectionManager) Stats() (perCaller map[string]int, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perCaller = make(map[string]int, len(m.perCallerCount))
	for k, v := range m.perCallerCount {
		perCaller[k] = v
	}
	return perCaller, m.totalConnections
}
