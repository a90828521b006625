package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/menta2k/field-capture/internal/logger"
)

const writeWait = 10 * time.Second

// Hub fans quality reports out to every connected viewer. All socket writes,
// keepalive pings included, happen on the hub goroutine.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	startOnce  sync.Once
	mutex      sync.RWMutex
	logger     *logger.Logger

	pingPeriod time.Duration
	writeWait  time.Duration
}

// NewHub creates an idle hub. It starts on the first Start, Run or Register.
func NewHub(logger *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
		pingPeriod: pingPeriodFor(readDeadline),
		writeWait:  writeWait,
	}
}

// pingPeriod must stay below the viewer read deadline
func pingPeriodFor(readTimeout time.Duration) time.Duration {
	return readTimeout * 9 / 10
}

// Start launches the hub goroutine once; later calls are no-ops. The hub
// stops when ctx of the first call is cancelled.
func (h *Hub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		go h.run(ctx)
	})
}

// Run starts the hub and blocks until it stops
func (h *Hub) Run(ctx context.Context) {
	h.Start(ctx)
	<-h.done
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Viewer connected. Total: %d", count)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Viewer disconnected. Total: %d", count)

		case message := <-h.broadcast:
			h.writeAll(func(client *websocket.Conn) error {
				client.SetWriteDeadline(time.Now().Add(h.writeWait))
				return client.WriteMessage(websocket.TextMessage, message)
			})

		case <-ticker.C:
			h.writeAll(func(client *websocket.Conn) error {
				return client.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait))
			})
		}
	}
}

// writeAll drops every viewer whose write fails or times out
func (h *Hub) writeAll(write func(*websocket.Conn) error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		if err := write(client); err != nil {
			h.logger.Error("Error sending message: %v", err)
			delete(h.clients, client)
			client.Close()
		}
	}
}

// Register adds a viewer, starting the hub if nothing has yet. It reports
// false when the viewer was not added.
func (h *Hub) Register(ctx context.Context, client *websocket.Conn) bool {
	h.Start(context.Background())
	select {
	case h.register <- client:
		return true
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
}

// Unregister removes a viewer and closes its connection
func (h *Hub) Unregister(client *websocket.Conn) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.Close()
	}
}

// Broadcast queues a message for every viewer. When the hub is backed up
// the message is dropped; reports are periodic so the next one replaces it.
func (h *Hub) Broadcast(message []byte) bool {
	select {
	case h.broadcast <- message:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected viewers
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
