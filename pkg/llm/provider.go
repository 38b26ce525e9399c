package llm

import (
	"context"
	"errors"

	"ai-chat-relay-be/pkg/chat/session"
)

// Error taxonomy for backend calls. BackendUnavailable is the only
// retryable class.
var (
	ErrBackendUnavailable = errors.New("llm backend unavailable")
	ErrBackendRefused     = errors.New("llm backend refused request")
	ErrBadResponse        = errors.New("llm response malformed")
)

// ChatClient is the contract for the conversational backend.
type ChatClient interface {
	// GenerateBuffer produces a fresh block buffer from the conversation
	// history. pendingBlocks carries the not-yet-sent blocks of the prior
	// buffer forward as context; profileContext and mode select the persona.
	GenerateBuffer(ctx context.Context, mode string, history []session.HistoryEntry, pendingBlocks []session.Block, profileContext string) ([]session.Block, error)

	// RelevanceCheck decides whether the remaining pending blocks are still
	// appropriate given the latest user messages.
	RelevanceCheck(ctx context.Context, recentHistory []session.HistoryEntry, sentBlocks, pendingBlocks []session.Block) (bool, error)
}
