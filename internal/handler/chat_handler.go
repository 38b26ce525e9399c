package handler

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"ai-chat-relay-be/internal/constant"
	"ai-chat-relay-be/internal/dto"
	"ai-chat-relay-be/internal/pkg/logger"
	"ai-chat-relay-be/internal/pkg/serverutils"
	"ai-chat-relay-be/internal/websocket"
	"ai-chat-relay-be/pkg/chat/orchestrator"
)

// ChatHandler owns the /ws/chat endpoint: it upgrades connections, decodes
// inbound frames and dispatches them to the orchestrator.
type ChatHandler struct {
	hub          *websocket.Hub
	orchestrator *orchestrator.Orchestrator
	logger       logger.ILogger
}

var _ websocket.MessageHandler = &ChatHandler{}

func NewChatHandler(hub *websocket.Hub, orch *orchestrator.Orchestrator, log logger.ILogger) *ChatHandler {
	return &ChatHandler{
		hub:          hub,
		orchestrator: orch,
		logger:       log,
	}
}

func (h *ChatHandler) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(ctx *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(ctx) {
			return ctx.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chat", fiberws.New(h.serve))
}

func (h *ChatHandler) serve(conn *fiberws.Conn) {
	connID := uuid.New()

	// Token is optional; an anonymous connection still gets a session keyed
	// by the connection id.
	token := conn.Query("token")
	if token == "" {
		if auth := conn.Headers("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	authUserID, _ := serverutils.ParseUserIDFromToken(token)

	websocket.ServeWs(h.hub, conn, connID, authUserID, h)
}

// OnConnect binds the connection to a fresh chat session.
func (h *ChatHandler) OnConnect(client *websocket.Client) {
	h.orchestrator.Register(client.ConnID.String(), client, client.AuthUserID)
}

// OnMessage decodes one inbound frame and routes it by event type.
func (h *ChatHandler) OnMessage(client *websocket.Client, data []byte) {
	var event dto.ClientEvent
	if err := json.Unmarshal(data, &event); err != nil {
		h.logger.Warn("ChatHandler", "Malformed client frame", map[string]interface{}{"conn_id": client.ConnID, "error": err.Error()})
		return
	}
	if err := serverutils.ValidateRequest(event); err != nil {
		h.logger.Warn("ChatHandler", "Invalid client frame", map[string]interface{}{"conn_id": client.ConnID, "error": err.Error()})
		return
	}
	userID := client.ConnID.String()

	switch event.Type {
	case constant.EventUserMessage:
		if strings.TrimSpace(event.Message) == "" {
			return
		}
		h.orchestrator.HandleUserMessage(userID, event.Message)

	case constant.EventTypingStatus:
		h.orchestrator.HandleTypingStatus(userID, event.IsTyping)

	case constant.EventStopAI:
		h.orchestrator.HandleStop(userID)

	case constant.EventEndChat:
		h.orchestrator.HandleEndChat(userID)
		client.Close()

	case constant.EventSetChatMode:
		h.orchestrator.HandleSetChatMode(userID, event.Mode, event.InitialMessage)

	default:
		h.logger.Warn("ChatHandler", "Unknown event type", map[string]interface{}{"conn_id": client.ConnID, "type": event.Type})
	}
}

// OnDisconnect runs session teardown after the read pump unwinds.
func (h *ChatHandler) OnDisconnect(client *websocket.Client) {
	h.orchestrator.HandleDisconnect(client.ConnID.String())
}
