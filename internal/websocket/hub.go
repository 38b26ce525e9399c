package websocket

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ai-chat-relay-be/internal/pkg/logger"
)

// presenceKey is the redis set every instance contributes its live
// connection ids to, so /health can report a cluster-wide count.
const presenceKey = "chat:active:connections"

// Hub tracks live connections. Unlike a broadcast hub, chat delivery is
// strictly per-connection; the hub exists for registration, liveness and the
// active-connection count.
type Hub struct {
	// Registered clients map: connection id -> client.
	clients map[uuid.UUID]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Lock for safe map access
	mu sync.RWMutex

	// Redis connection for cross-instance presence (optional)
	rdb *redis.Client

	logger logger.ILogger
}

func NewHub(rdb *redis.Client, log logger.ILogger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[uuid.UUID]*Client),
		rdb:        rdb,
		logger:     log,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ConnID] = client
			h.mu.Unlock()
			if h.rdb != nil {
				if err := h.rdb.SAdd(context.Background(), presenceKey, client.ConnID.String()).Err(); err != nil {
					h.logger.Warn("Hub", "Presence add failed", map[string]interface{}{"conn_id": client.ConnID, "error": err.Error()})
				}
			}
			h.logger.Info("Hub", "Client registered", map[string]interface{}{"conn_id": client.ConnID})

		case client := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.clients[client.ConnID]; ok && existing == client {
				delete(h.clients, client.ConnID)
				client.markClosed()
				close(client.send)
			}
			h.mu.Unlock()
			if h.rdb != nil {
				if err := h.rdb.SRem(context.Background(), presenceKey, client.ConnID.String()).Err(); err != nil {
					h.logger.Warn("Hub", "Presence remove failed", map[string]interface{}{"conn_id": client.ConnID, "error": err.Error()})
				}
			}
			h.logger.Info("Hub", "Client unregistered", map[string]interface{}{"conn_id": client.ConnID})
		}
	}
}

// LocalCount returns the number of connections on this instance.
func (h *Hub) LocalCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ActiveCount returns the cluster-wide connection count when redis is
// configured, otherwise the local count.
func (h *Hub) ActiveCount(ctx context.Context) int {
	if h.rdb != nil {
		if n, err := h.rdb.SCard(ctx, presenceKey).Result(); err == nil {
			return int(n)
		}
	}
	return h.LocalCount()
}
