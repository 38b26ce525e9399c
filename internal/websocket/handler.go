package websocket

import (
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// ServeWs wires one accepted websocket connection into the hub and the chat
// core, then pumps until the peer goes away.
func ServeWs(hub *Hub, conn *websocket.Conn, connID uuid.UUID, authUserID string, handler MessageHandler) {
	client := &Client{
		Hub:        hub,
		Conn:       conn,
		ConnID:     connID,
		AuthUserID: authUserID,
		handler:    handler,
		send:       make(chan []byte, 256),
	}
	client.Hub.register <- client
	handler.OnConnect(client)

	go client.writePump()
	client.readPump() // Run readPump in current goroutine (handler)
}
