package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/aescanero/jobdag/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	executionID string
	send        chan domain.Event
}

// Hub subscribes once to the execution and job topics and fans events out to
// the websocket clients watching each execution
type Hub struct {
	eventBus ports.EventBus
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a new websocket hub
func NewHub(eventBus ports.EventBus, logger *zap.Logger) *Hub {
	return &Hub{
		eventBus: eventBus,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// Start subscribes to execution and job events until ctx is done
func (h *Hub) Start(ctx context.Context) error {
	for _, topic := range []string{domain.TopicExecutionEvents, domain.TopicJobEvents} {
		if err := h.eventBus.Subscribe(ctx, topic, h.broadcast); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	return nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ctx context.Context, event domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.executionID != event.ExecutionID {
			continue
		}
		select {
		case c.send <- event:
		default:
			// Slow client, skip event
			h.logger.Warn("client buffer full, dropping event",
				zap.String("execution_id", event.ExecutionID),
				zap.String("event_type", string(event.Type)))
		}
	}
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// HandleExecutionStream streams the events of one execution over a websocket
func (h *Hub) HandleExecutionStream(c *gin.Context) {
	executionID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("execution_id", executionID),
		zap.String("client", c.ClientIP()))

	cl := &client{executionID: executionID, send: make(chan domain.Event, sendBuffer)}
	h.register(cl)
	defer h.unregister(cl)

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case event := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Warn("failed to write message",
					zap.String("execution_id", executionID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and closes done when the peer goes away
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
