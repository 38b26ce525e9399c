package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"ai-chat-relay-be/internal/constant"
	"ai-chat-relay-be/internal/pkg/logger"
	"ai-chat-relay-be/pkg/chat/session"
	"ai-chat-relay-be/pkg/llm"
)

const (
	DefaultMaxRetries  = 3
	DefaultRetryBaseMS = 800
)

type Config struct {
	APIKey      string
	Model       string
	BaseURL     string // optional, for OpenAI-compatible gateways
	MaxRetries  int
	RetryBaseMS int
}

// Client implements llm.ChatClient against an OpenAI-compatible API.
type Client struct {
	api        *openai.Client
	model      string
	maxRetries int
	retryBase  time.Duration
	log        logger.ILogger
}

var _ llm.ChatClient = &Client{}

func NewClient(cfg Config, log logger.ILogger) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBaseMS <= 0 {
		cfg.RetryBaseMS = DefaultRetryBaseMS
	}
	return &Client{
		api:        openai.NewClientWithConfig(apiCfg),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryBase:  time.Duration(cfg.RetryBaseMS) * time.Millisecond,
		log:        log,
	}
}

func (c *Client) GenerateBuffer(ctx context.Context, mode string, history []session.HistoryEntry, pendingBlocks []session.Block, profileContext string) ([]session.Block, error) {
	messages := c.buildGenerateMessages(mode, history, pendingBlocks, profileContext)

	raw, err := c.chatWithRetry(ctx, messages)
	if err != nil {
		return nil, err
	}

	blocks, err := ParseBlocks(raw)
	if err != nil {
		c.log.Warn("LLM", "Buffer response failed validation", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	return blocks, nil
}

func (c *Client) RelevanceCheck(ctx context.Context, recentHistory []session.HistoryEntry, sentBlocks, pendingBlocks []session.Block) (bool, error) {
	var sb strings.Builder
	sb.WriteString("RECENT CONVERSATION:\n")
	for _, entry := range recentHistory {
		sb.WriteString(entry.Role)
		sb.WriteString(": ")
		sb.WriteString(entry.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("\nBLOCKS ALREADY DELIVERED:\n")
	sb.WriteString(blocksAsJSON(sentBlocks))
	sb.WriteString("\n\nBLOCKS STILL QUEUED:\n")
	sb.WriteString(blocksAsJSON(pendingBlocks))

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: constant.RelevanceCheckPromptV1},
		{Role: openai.ChatMessageRoleUser, Content: sb.String()},
	}

	// No retry here: the caller treats any error as "do not interrupt", so a
	// slow backend must not stall the pacer further.
	raw, err := c.chatOnce(ctx, messages)
	if err != nil {
		return false, err
	}

	var verdict struct {
		NeedsUpdate bool `json:"needs_update"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &verdict); err != nil {
		return false, fmt.Errorf("%w: relevance verdict: %v", llm.ErrBadResponse, err)
	}
	return verdict.NeedsUpdate, nil
}

func (c *Client) buildGenerateMessages(mode string, history []session.HistoryEntry, pendingBlocks []session.Block, profileContext string) []openai.ChatCompletionMessage {
	systemPrompt := constant.ChatSystemPromptTarotV1
	if mode == constant.ChatModeAstro {
		systemPrompt = constant.ChatSystemPromptAstroV1
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if profileContext != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "CLIENT PROFILE:\n" + profileContext,
		})
	}
	if len(pendingBlocks) > 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "PENDING BLOCKS (drafted, never delivered):\n" + blocksAsJSON(pendingBlocks),
		})
	}
	for _, entry := range history {
		role := openai.ChatMessageRoleUser
		if entry.Role == constant.ChatMessageRoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: entry.Content})
	}
	return messages
}

// chatWithRetry applies bounded exponential backoff with jitter to
// retryable failures.
func (c *Client) chatWithRetry(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBase * time.Duration(1<<(attempt-1))
			backoff += time.Duration(rand.Int63n(int64(c.retryBase) / 2))
			c.log.Warn("LLM", "Retrying backend call", map[string]interface{}{
				"attempt": attempt + 1,
				"backoff": backoff.String(),
			})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", llm.ErrBackendUnavailable, ctx.Err())
			}
		}

		raw, err := c.chatOnce(ctx, messages)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !errors.Is(err, llm.ErrBackendUnavailable) {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Client) chatOnce(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", llm.ErrBadResponse)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", llm.ErrBackendRefused
	}
	return choice.Message.Content, nil
}

// classifyError maps transport/API failures onto the llm error taxonomy.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", llm.ErrBackendUnavailable, err)
		case apiErr.HTTPStatusCode == 400 && strings.Contains(strings.ToLower(apiErr.Message), "content"):
			return fmt.Errorf("%w: %v", llm.ErrBackendRefused, err)
		default:
			return fmt.Errorf("%w: %v", llm.ErrBadResponse, err)
		}
	}
	// Connection refused, timeouts, DNS failures.
	return fmt.Errorf("%w: %v", llm.ErrBackendUnavailable, err)
}

// ExtractJSON strips markdown code fences the model sometimes wraps JSON in.
func ExtractJSON(raw string) string {
	out := strings.TrimSpace(raw)
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	return strings.TrimSpace(out)
}

// ParseBlocks validates the model's block array.
func ParseBlocks(raw string) ([]session.Block, error) {
	var payload []struct {
		Text       string      `json:"text"`
		TypingTime json.Number `json:"typingTime"`
		Group      json.Number `json:"group"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrBadResponse, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty block list", llm.ErrBadResponse)
	}

	blocks := make([]session.Block, 0, len(payload))
	for i, p := range payload {
		if strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("%w: block %d has empty text", llm.ErrBadResponse, i)
		}
		typingTime, err := p.TypingTime.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: block %d typingTime: %v", llm.ErrBadResponse, i, err)
		}
		group, err := p.Group.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: block %d group: %v", llm.ErrBadResponse, i, err)
		}
		blocks = append(blocks, session.Block{
			Text:       p.Text,
			TypingTime: typingTime,
			Group:      int(group),
		})
	}
	return blocks, nil
}

func blocksAsJSON(blocks []session.Block) string {
	if len(blocks) == 0 {
		return "[]"
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return "[]"
	}
	return string(data)
}
