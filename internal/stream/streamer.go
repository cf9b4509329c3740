// Package stream pushes bus events to websocket clients for live
// dashboards: decision feed, alert triggers and breaker transitions.
package stream

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/limitgate/backend/internal/events"
)

// Streamer is the websocket hub. It subscribes to the event bus and
// broadcasts every event to all connected clients.
type Streamer struct {
	bus        *events.Bus
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// New creates a streamer over the bus.
func New(bus *events.Bus) *Streamer {
	return &Streamer{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[stream] ", log.LstdFlags),
	}
}

// Run pumps bus events to clients until ctx is done. Once Run returns,
// handlers blocked on registration are released via the done channel.
func (s *Streamer) Run(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			n := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected (total %d)", n)

		case client := <-s.unregister:
			s.drop(client)

		case event, ok := <-sub:
			if !ok {
				return
			}
			s.broadcast(event)
		}
	}
}

func (s *Streamer) broadcast(event *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if err := client.WriteJSON(event); err != nil {
			s.logger.Printf("write error, dropping client: %v", err)
			client.Close()
			delete(s.clients, client)
		}
	}
}

func (s *Streamer) drop(client *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		client.Close()
		s.logger.Printf("client disconnected (total %d)", len(s.clients))
	}
}

func (s *Streamer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		client.Close()
		delete(s.clients, client)
	}
}

// HandleWebSocket upgrades the connection and registers the client.
// Client reads are drained only to detect disconnects.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade error: %v", err)
		return
	}
	select {
	case s.register <- conn:
	case <-s.done:
		// Hub already stopped; nothing will ever read the register
		// channel again.
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.unregister <- conn:
			case <-s.done:
				conn.Close()
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Statistics reports hub state for the diagnostics endpoint.
func (s *Streamer) Statistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"bus_subscribers":   s.bus.SubscriberCount(),
	}
}
