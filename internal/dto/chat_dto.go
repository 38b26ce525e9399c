package dto

// ClientEvent is the envelope for every client -> server websocket frame.
// Type selects which of the optional fields are meaningful.
type ClientEvent struct {
	Type string `json:"type" validate:"required"`

	// user_message
	Message string `json:"message,omitempty"`

	// typing_status
	IsTyping bool `json:"isTyping,omitempty"`

	// set_chat_mode
	Mode           string `json:"mode,omitempty"`
	InitialMessage string `json:"initialMessage,omitempty"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	AiEnabled   bool   `json:"aiEnabled"`
	ActiveUsers int    `json:"activeUsers"`
}
