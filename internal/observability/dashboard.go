package observability

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsBufferSize mirrors the teacher's WebSocketBufferSize: enough slack for a
// burst of events before a slow client forces the hub to drop its feed.
const wsBufferSize = 256

// dashboardClient is one connected websocket viewer, adapted from the
// teacher's internal/server.Client.
type dashboardClient struct {
	hub  *Dashboard
	conn *websocket.Conn
	send chan []byte
}

// Dashboard pushes observability Events to connected websocket clients, the
// live feed named in SPEC_FULL.md §4.19. Adapted from the teacher's
// internal/server.Hub: same register/unregister/broadcast channel trio, same
// "slow client gets dropped rather than blocking everyone" policy.
type Dashboard struct {
	bus        *Bus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	clients    map[*dashboardClient]bool
	register   chan *dashboardClient
	unregister chan *dashboardClient
	broadcast  chan []byte
}

// NewDashboard creates a Dashboard over bus; Run subscribes it to every
// event.
func NewDashboard(bus *Bus) *Dashboard {
	d := &Dashboard{
		bus:        bus,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:    make(map[*dashboardClient]bool),
		register:   make(chan *dashboardClient),
		unregister: make(chan *dashboardClient),
		broadcast:  make(chan []byte, wsBufferSize),
	}
	return d
}

// Run drives the hub loop and the bus-to-broadcast pump until stop closes.
// Intended to be started once as a goroutine from cmd/orchestrator.
func (d *Dashboard) Run(stop <-chan struct{}) {
	ch := d.bus.Subscribe("all")
	go func() {
		defer d.bus.Unsubscribe("all", ch)
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if payload, err := json.Marshal(ev); err == nil {
					select {
					case d.broadcast <- payload:
					default:
					}
				}
			}
		}
	}()

	for {
		select {
		case <-stop:
			return
		case client := <-d.register:
			d.mu.Lock()
			d.clients[client] = true
			d.mu.Unlock()
		case client := <-d.unregister:
			d.mu.Lock()
			if _, ok := d.clients[client]; ok {
				delete(d.clients, client)
				close(client.send)
			}
			d.mu.Unlock()
		case payload := <-d.broadcast:
			d.mu.RLock()
			for client := range d.clients {
				select {
				case client.send <- payload:
				default:
					go func(c *dashboardClient) { d.unregister <- c }(client)
				}
			}
			d.mu.RUnlock()
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams the event feed
// to it until the connection closes.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &dashboardClient{hub: d, conn: conn, send: make(chan []byte, wsBufferSize)}
	d.register <- client
	go client.writePump()
}

func (c *dashboardClient) writePump() {
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.hub.unregister <- c
			return
		}
	}
}
