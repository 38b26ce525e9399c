package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-chat-relay-be/internal/constant"
	"ai-chat-relay-be/internal/pkg/logger"
	"ai-chat-relay-be/pkg/chat/pacer"
	"ai-chat-relay-be/pkg/chat/session"
	"ai-chat-relay-be/pkg/chat/timers"
	"ai-chat-relay-be/pkg/llm"
)

// --- fakes ---

type sentEvent struct {
	Event string
	Data  map[string]interface{}
}

type fakeSender struct {
	mu        sync.Mutex
	connected atomic.Bool
	events    []sentEvent
}

func newFakeSender() *fakeSender {
	s := &fakeSender{}
	s.connected.Store(true)
	return s
}

func (s *fakeSender) Connected() bool { return s.connected.Load() }

func (s *fakeSender) Send(event string, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentEvent{Event: event, Data: data})
	return nil
}

func (s *fakeSender) eventsOfType(event string) []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentEvent
	for _, e := range s.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSender) countOf(event string) int {
	return len(s.eventsOfType(event))
}

type genCall struct {
	Mode    string
	History []session.HistoryEntry
	Pending []session.Block
	Profile string
}

type genResult struct {
	Blocks []session.Block
	Err    error
}

// fakeChatClient replays scripted GenerateBuffer results in order, holding
// the last one for any further calls.
type fakeChatClient struct {
	mu            sync.Mutex
	script        []genResult
	calls         []genCall
	generateDelay time.Duration

	relevanceResult bool
	relevanceErr    error
	relevanceCalls  int
}

func (c *fakeChatClient) GenerateBuffer(ctx context.Context, mode string, history []session.HistoryEntry, pending []session.Block, profileContext string) ([]session.Block, error) {
	if c.generateDelay > 0 {
		time.Sleep(c.generateDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, genCall{Mode: mode, History: history, Pending: pending, Profile: profileContext})

	idx := len(c.calls) - 1
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	if idx < 0 {
		return nil, llm.ErrBadResponse
	}
	res := c.script[idx]
	return res.Blocks, res.Err
}

func (c *fakeChatClient) RelevanceCheck(ctx context.Context, recentHistory []session.HistoryEntry, sentBlocks, pendingBlocks []session.Block) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relevanceCalls++
	return c.relevanceResult, c.relevanceErr
}

func (c *fakeChatClient) relevanceCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relevanceCalls
}

func (c *fakeChatClient) genCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeChatClient) genCallAt(i int) genCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

// --- harness ---

type harness struct {
	store  *session.Store
	timers *timers.Service
	orch   *Orchestrator
	client *fakeChatClient
	sender *fakeSender
}

func testDelays() Delays {
	return Delays{
		TypingIdle: 40 * time.Millisecond,
		MaxTyping:  150 * time.Millisecond,
		GroupDelay: 30 * time.Millisecond,
		EndUpdate:  80 * time.Millisecond,
		LLMCall:    5 * time.Second,
		Relevance:  5 * time.Second,
	}
}

func newHarness(t *testing.T, client *fakeChatClient) *harness {
	t.Helper()
	store := session.NewStore()
	timerSvc := timers.NewService()
	blockPacer := pacer.New(store, logger.Noop{}, pacer.WithMinDelay(10*time.Millisecond))

	var chatClient llm.ChatClient
	if client != nil {
		chatClient = client
	}
	orch := New(store, timerSvc, blockPacer, chatClient, nil, logger.Noop{}, WithDelays(testDelays()))

	snd := newFakeSender()
	orch.Register("u1", snd, "")

	return &harness{store: store, timers: timerSvc, orch: orch, client: client, sender: snd}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %v", timeout)
}

func blocks(specs ...session.Block) []session.Block { return specs }

// --- scenarios ---

func TestColdGreetingAndFollowUpCycle(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Blocks: blocks(session.Block{Text: "hey", TypingTime: 0.01, Group: 1})},
		{Blocks: blocks(session.Block{Text: "still there?", TypingTime: 0.01, Group: 1})},
	}}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")

	require.Len(t, h.sender.eventsOfType("message_received"), 1)
	assert.Equal(t, "hi", h.sender.eventsOfType("message_received")[0].Data["text"])

	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_complete") == 1 })
	require.Len(t, h.sender.eventsOfType("ai_block"), 1)
	assert.Equal(t, "hey", h.sender.eventsOfType("ai_block")[0].Data["text"])

	// The user contributed, so the follow-up timer must be armed and fire.
	assert.True(t, h.store.UserMessaged("u1"))
	waitFor(t, time.Second, func() bool { return client.genCallCount() == 2 })
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_complete") == 2 })

	// The follow-up consumed the contribution flag: no third generation.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, client.genCallCount(), "follow-up must not chain onto itself")
	assert.False(t, h.timers.IsActive("u1", timers.EndUpdate))
}

func TestFirstGenerationIncludesHistory(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Blocks: blocks(session.Block{Text: "hey", TypingTime: 0.01, Group: 1})},
	}}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool { return client.genCallCount() == 1 })

	call := client.genCallAt(0)
	require.Len(t, call.History, 1)
	assert.Equal(t, session.RoleUser, call.History[0].Role)
	assert.Equal(t, "hi", call.History[0].Content)
	assert.Equal(t, constant.ChatModeTarot, call.Mode)
	assert.Empty(t, call.Pending)
}

func TestMidStreamInterruptWaitsForGroupBoundary(t *testing.T) {
	client := &fakeChatClient{
		script: []genResult{
			{Blocks: blocks(
				session.Block{Text: "a", TypingTime: 0.1, Group: 1},
				session.Block{Text: "b", TypingTime: 0.1, Group: 1},
				session.Block{Text: "c", TypingTime: 0.1, Group: 2},
			)},
			{Blocks: blocks(session.Block{Text: "d", TypingTime: 0.01, Group: 1})},
		},
		relevanceResult: true,
	}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 1 })

	h.orch.HandleUserMessage("u1", "wait")
	waitFor(t, time.Second, func() bool { return client.relevanceCallCount() == 1 })

	// Group 1 drains: block b is still delivered, c never is.
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 2 })
	assert.Equal(t, "b", h.sender.eventsOfType("ai_block")[1].Data["text"])

	// Settle (groupDelay) then idle, then regeneration with c pending.
	waitFor(t, 2*time.Second, func() bool { return client.genCallCount() == 2 })
	call := client.genCallAt(1)
	require.Len(t, call.Pending, 1)
	assert.Equal(t, "c", call.Pending[0].Text)

	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 3 })
	assert.Equal(t, "d", h.sender.eventsOfType("ai_block")[2].Data["text"])

	// The flow-initiated regeneration cleared the contribution flag: the
	// replacement buffer completing must not arm a follow-up.
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_complete") == 1 })
	assert.False(t, h.timers.IsActive("u1", timers.EndUpdate))

	// c never went out.
	for _, e := range h.sender.eventsOfType("ai_block") {
		assert.NotEqual(t, "c", e.Data["text"])
	}
}

func TestInterruptAtGroupBoundaryStopsImmediately(t *testing.T) {
	client := &fakeChatClient{
		script: []genResult{
			{Blocks: blocks(
				session.Block{Text: "a", TypingTime: 0.4, Group: 1},
				session.Block{Text: "c", TypingTime: 0.1, Group: 2},
			)},
			{Blocks: blocks(session.Block{Text: "d", TypingTime: 0.01, Group: 1})},
		},
		relevanceResult: true,
	}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 1 })

	// Cursor now sits on the group-2 block; group 1 is fully drained.
	h.orch.HandleUserMessage("u1", "actually, one more thing")
	waitFor(t, 2*time.Second, func() bool { return client.genCallCount() == 2 })

	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 2 })
	assert.Equal(t, "d", h.sender.eventsOfType("ai_block")[1].Data["text"])
	for _, e := range h.sender.eventsOfType("ai_block") {
		assert.NotEqual(t, "c", e.Data["text"], "stale group-2 block must never be emitted")
	}
}

func TestIrrelevantInterruptKeepsBuffer(t *testing.T) {
	client := &fakeChatClient{
		script: []genResult{
			{Blocks: blocks(
				session.Block{Text: "a", TypingTime: 0.1, Group: 1},
				session.Block{Text: "b", TypingTime: 0.1, Group: 1},
			)},
		},
		relevanceResult: false,
	}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 1 })

	h.orch.HandleUserMessage("u1", "ok")
	waitFor(t, time.Second, func() bool { return client.relevanceCallCount() == 1 })

	// The buffer keeps flowing undisturbed.
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 2 })
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_complete") == 1 })
	assert.Equal(t, 1, client.genCallCount())
	assert.False(t, h.store.NeedsUpdate("u1"))
}

func TestRelevanceCheckErrorNeverInterrupts(t *testing.T) {
	client := &fakeChatClient{
		script: []genResult{
			{Blocks: blocks(
				session.Block{Text: "a", TypingTime: 0.1, Group: 1},
				session.Block{Text: "b", TypingTime: 0.1, Group: 1},
			)},
		},
		relevanceResult: true,
		relevanceErr:    llm.ErrBackendUnavailable,
	}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 1 })

	h.orch.HandleUserMessage("u1", "hm")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_complete") == 1 })
	assert.Equal(t, 1, client.genCallCount(), "failed check must not trigger regeneration")
	assert.False(t, h.store.NeedsUpdate("u1"))
}

func TestTypingCancelsEndUpdateTimer(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Blocks: blocks(session.Block{Text: "hey", TypingTime: 0.01, Group: 1})},
		{Blocks: blocks(session.Block{Text: "anything else?", TypingTime: 0.01, Group: 1})},
	}}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_complete") == 1 })
	require.True(t, h.timers.IsActive("u1", timers.EndUpdate))

	h.orch.HandleTypingStatus("u1", true)
	assert.False(t, h.timers.IsActive("u1", timers.EndUpdate))
	assert.True(t, h.store.ShouldUseIdleTimer("u1"))
	assert.True(t, h.timers.IsActive("u1", timers.MaxTyping))

	h.orch.HandleTypingStatus("u1", false)
	assert.True(t, h.timers.IsActive("u1", timers.TypingIdle))

	// The idle expiry regenerates without a user contribution.
	waitFor(t, time.Second, func() bool { return client.genCallCount() == 2 })
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_complete") == 2 })

	time.Sleep(200 * time.Millisecond)
	assert.False(t, h.timers.IsActive("u1", timers.EndUpdate), "no follow-up after a flow-initiated regeneration")
	assert.Equal(t, 2, client.genCallCount())
}

func TestTypingToggleLeavesOnlyMaxTyping(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Blocks: blocks(session.Block{Text: "hey", TypingTime: 0.01, Group: 1})},
	}}
	h := newHarness(t, client)

	h.orch.HandleTypingStatus("u1", true)
	h.orch.HandleTypingStatus("u1", false)
	h.orch.HandleTypingStatus("u1", true)

	assert.True(t, h.timers.IsActive("u1", timers.MaxTyping))
	assert.False(t, h.timers.IsActive("u1", timers.TypingIdle))
	assert.False(t, h.timers.IsActive("u1", timers.GroupDelay))
	assert.False(t, h.timers.IsActive("u1", timers.EndUpdate))
}

func TestMaxTypingForcesRegenerationWithoutContribution(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Blocks: blocks(session.Block{Text: "hey", TypingTime: 0.01, Group: 1})},
	}}
	h := newHarness(t, client)

	h.orch.HandleTypingStatus("u1", true)
	waitFor(t, time.Second, func() bool { return client.genCallCount() == 1 })
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_complete") == 1 })

	// Forced regeneration is not a user contribution: no follow-up.
	assert.False(t, h.timers.IsActive("u1", timers.EndUpdate))
}

func TestStopIsIdempotent(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Blocks: blocks(
			session.Block{Text: "a", TypingTime: 0.3, Group: 1},
			session.Block{Text: "b", TypingTime: 0.3, Group: 1},
		)},
		{Blocks: blocks(session.Block{Text: "again", TypingTime: 0.01, Group: 1})},
	}}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 1 })

	h.orch.HandleStop("u1")
	h.orch.HandleStop("u1")
	assert.Equal(t, 1, h.sender.countOf("ai_complete"), "double Stop must acknowledge once")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, h.sender.countOf("ai_block"), "no blocks after Stop")

	// A stopped chat can always resume with a new message.
	h.orch.HandleUserMessage("u1", "come back")
	waitFor(t, time.Second, func() bool { return client.genCallCount() == 2 })
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 2 })
}

func TestDisconnectMidPaceEmitsNothingFurther(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Blocks: blocks(
			session.Block{Text: "a", TypingTime: 0.05, Group: 1},
			session.Block{Text: "b", TypingTime: 0.05, Group: 1},
			session.Block{Text: "c", TypingTime: 0.05, Group: 1},
		)},
	}}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") >= 1 })

	h.sender.connected.Store(false)
	h.orch.HandleDisconnect("u1")

	sentSoFar := h.sender.countOf("ai_block")
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, sentSoFar, h.sender.countOf("ai_block"))
	assert.Zero(t, h.sender.countOf("ai_complete"), "no completion after channel death")
	assert.False(t, h.store.Exists("u1"), "session must be gone after disconnect")

	// Events for a cleaned-up connection produce no emissions or calls.
	before := client.genCallCount()
	h.orch.HandleUserMessage("u1", "ghost")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, client.genCallCount())
	assert.Zero(t, h.sender.countOf("error"))
}

func TestLLMFailureEmitsErrorAndRecovers(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Err: llm.ErrBackendUnavailable},
		{Blocks: blocks(session.Block{Text: "back online", TypingTime: 0.01, Group: 1})},
	}}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("error") == 1 })
	assert.True(t, h.store.Exists("u1"), "session survives an LLM failure")
	assert.True(t, h.store.IsBufferComplete("u1"))

	h.orch.HandleUserMessage("u1", "try again")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 1 })
	assert.Equal(t, "back online", h.sender.eventsOfType("ai_block")[0].Data["text"])
}

func TestBufferDroppedWhenChannelDiesDuringGeneration(t *testing.T) {
	client := &fakeChatClient{
		script: []genResult{
			{Blocks: blocks(session.Block{Text: "late", TypingTime: 0.01, Group: 1})},
		},
		generateDelay: 60 * time.Millisecond,
	}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	h.sender.connected.Store(false)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, h.sender.countOf("ai_block"), "late LLM result must be dropped")
}

func TestSetChatModeSelectsPromptAndInjectsMessage(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Blocks: blocks(session.Block{Text: "the stars say hi", TypingTime: 0.01, Group: 1})},
	}}
	h := newHarness(t, client)

	h.orch.HandleSetChatMode("u1", constant.ChatModeAstro, "read my chart")

	require.Len(t, h.sender.eventsOfType("message_received"), 1)
	waitFor(t, time.Second, func() bool { return client.genCallCount() == 1 })
	assert.Equal(t, constant.ChatModeAstro, client.genCallAt(0).Mode)
}

func TestSetChatModeRejectsUnknownMode(t *testing.T) {
	client := &fakeChatClient{}
	h := newHarness(t, client)

	h.orch.HandleSetChatMode("u1", "runes", "")
	require.Len(t, h.sender.eventsOfType("error"), 1)
	assert.Equal(t, constant.ChatModeTarot, h.store.Mode("u1"), "mode unchanged on rejection")
}

func TestAIDisabledAnswersWithError(t *testing.T) {
	h := newHarness(t, nil)
	require.False(t, h.orch.AIEnabled())

	h.orch.HandleUserMessage("u1", "hi")
	assert.Len(t, h.sender.eventsOfType("message_received"), 1, "echo still happens")
	assert.Len(t, h.sender.eventsOfType("error"), 1)
	assert.Empty(t, h.sender.eventsOfType("ai_block"))
}

func TestEndChatArchivesTranscript(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Blocks: blocks(session.Block{Text: "hey", TypingTime: 0.01, Group: 1})},
	}}

	store := session.NewStore()
	timerSvc := timers.NewService()
	blockPacer := pacer.New(store, logger.Noop{}, pacer.WithMinDelay(10*time.Millisecond))

	archived := make(chan []session.HistoryEntry, 1)
	orch := New(store, timerSvc, blockPacer, client, nil, logger.Noop{},
		WithDelays(testDelays()),
		WithArchiver(archiverFunc(func(_ context.Context, connID, _, _, reason string, history []session.HistoryEntry) {
			assert.Equal(t, "u1", connID)
			assert.Equal(t, "end_chat", reason)
			archived <- history
		})),
	)
	snd := newFakeSender()
	orch.Register("u1", snd, "")

	orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool {
		snd.mu.Lock()
		defer snd.mu.Unlock()
		for _, e := range snd.events {
			if e.Event == "ai_complete" {
				return true
			}
		}
		return false
	})

	orch.HandleEndChat("u1")
	select {
	case history := <-archived:
		require.Len(t, history, 2)
		assert.Equal(t, session.RoleUser, history[0].Role)
		assert.Equal(t, session.RoleModel, history[1].Role)
	case <-time.After(time.Second):
		t.Fatal("transcript was never archived")
	}
	assert.False(t, store.Exists("u1"))
}

func TestEndChatMidPaceAcknowledgesStop(t *testing.T) {
	client := &fakeChatClient{script: []genResult{
		{Blocks: blocks(
			session.Block{Text: "a", TypingTime: 0.3, Group: 1},
			session.Block{Text: "b", TypingTime: 0.3, Group: 1},
		)},
	}}
	h := newHarness(t, client)

	h.orch.HandleUserMessage("u1", "hi")
	waitFor(t, time.Second, func() bool { return h.sender.countOf("ai_block") == 1 })

	// Ending mid-delivery must still acknowledge the stop before teardown.
	h.orch.HandleEndChat("u1")
	assert.Equal(t, 1, h.sender.countOf("ai_complete"))
	assert.False(t, h.store.Exists("u1"))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, h.sender.countOf("ai_block"), "no blocks after end_chat")
}

type archiverFunc func(ctx context.Context, connectionID, authUserID, mode, reason string, history []session.HistoryEntry)

func (f archiverFunc) ArchiveSession(ctx context.Context, connectionID, authUserID, mode, reason string, history []session.HistoryEntry) {
	f(ctx, connectionID, authUserID, mode, reason, history)
}
