package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"ai-chat-relay-be/internal/constant"
	"ai-chat-relay-be/internal/pkg/logger"
	"ai-chat-relay-be/pkg/chat/pacer"
	"ai-chat-relay-be/pkg/chat/session"
	"ai-chat-relay-be/pkg/chat/timers"
	"ai-chat-relay-be/pkg/events"
	"ai-chat-relay-be/pkg/llm"
	"ai-chat-relay-be/pkg/profile"
)

// Archiver persists a finished conversation transcript. Implementations
// must tolerate concurrent calls for different connections.
type Archiver interface {
	ArchiveSession(ctx context.Context, connectionID, authUserID, mode, reason string, history []session.HistoryEntry)
}

// Delays groups the timer durations so tests can compress them.
type Delays struct {
	TypingIdle time.Duration
	MaxTyping  time.Duration
	GroupDelay time.Duration
	EndUpdate  time.Duration
	LLMCall    time.Duration
	Relevance  time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		TypingIdle: timers.TypingIdleDelay,
		MaxTyping:  timers.MaxTypingDelay,
		GroupDelay: timers.GroupDelayDelay,
		EndUpdate:  timers.EndUpdateDelay,
		LLMCall:    120 * time.Second,
		Relevance:  30 * time.Second,
	}
}

// Orchestrator is the per-connection state machine coordinating message
// ingestion, the typing timer chain, relevance checks, pacing and the
// follow-up cycle. Events for one connection are serialized through a
// per-connection mutex; cross-connection concurrency is free.
type Orchestrator struct {
	store    *session.Store
	timers   *timers.Service
	pacer    *pacer.Pacer
	client   llm.ChatClient // nil when AI features are disabled
	profiles profile.Provider
	bus      *events.Bus
	archiver Archiver
	log      logger.ILogger
	delays   Delays

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	senders map[string]pacer.Sender
	genSeq  map[string]uint64
}

type Option func(*Orchestrator)

func WithDelays(d Delays) Option {
	return func(o *Orchestrator) { o.delays = d }
}

func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

func New(store *session.Store, timerSvc *timers.Service, pc *pacer.Pacer, client llm.ChatClient, profiles profile.Provider, log logger.ILogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		timers:   timerSvc,
		pacer:    pc,
		client:   client,
		profiles: profiles,
		log:      log,
		delays:   DefaultDelays(),
		locks:    make(map[string]*sync.Mutex),
		senders:  make(map[string]pacer.Sender),
		genSeq:   make(map[string]uint64),
	}
	if o.profiles == nil {
		o.profiles = profile.Disabled{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AIEnabled reports whether an LLM backend is configured.
func (o *Orchestrator) AIEnabled() bool {
	return o.client != nil
}

// lockFor returns the serialization mutex for a connection, creating it on
// first use.
func (o *Orchestrator) lockFor(userID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[userID] = l
	}
	return l
}

// sender returns the delivery channel for a connection. A missing sender
// means the connection was never registered or already cleaned up; events
// for it must produce no emissions.
func (o *Orchestrator) sender(userID string) (pacer.Sender, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	snd, ok := o.senders[userID]
	return snd, ok
}

// Register binds a freshly accepted connection to a new session.
func (o *Orchestrator) Register(userID string, snd pacer.Sender, authUserID string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	o.store.GetOrCreate(userID)
	o.store.SetMode(userID, constant.ChatModeTarot)
	if authUserID != "" {
		o.store.SetAuthUserID(userID, authUserID)
	}

	o.mu.Lock()
	o.senders[userID] = snd
	o.mu.Unlock()

	o.log.Info("Orchestrator", "Session registered", map[string]interface{}{"user_id": userID, "auth_user_id": authUserID})
	o.bus.Publish(events.NewChatSessionStarted(userID, authUserID))
}

// HandleUserMessage processes an explicit user message.
func (o *Orchestrator) HandleUserMessage(userID, text string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()
	o.userMessageLocked(userID, text)
}

func (o *Orchestrator) userMessageLocked(userID, text string) {
	snd, ok := o.sender(userID)
	if !ok {
		return
	}

	o.store.AppendUserMessage(userID, text)
	if snd.Connected() {
		_ = snd.Send(constant.EventMessageReceived, map[string]interface{}{
			"id":        uuid.NewString(),
			"text":      text,
			"sender":    "user",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
	o.bus.Publish(events.NewChatMessageReceived(userID, len(text)))

	o.store.SetUserMessaged(userID, true)
	o.timers.CancelTypingTimers(userID)
	o.store.SetTyping(userID, false)
	o.store.SetShouldUseIdleTimer(userID, false)
	o.timers.CancelEndUpdate(userID)
	o.store.SetEndUpdateTimerActive(userID, false)

	if o.client == nil {
		o.emitError(userID, "AI features are disabled", nil)
		return
	}

	if o.pacer.IsSending(userID) && !o.store.IsBufferComplete(userID) {
		o.interruptFlowLocked(userID)
		return
	}
	o.regenerateNowLocked(userID)
}

// HandleTypingStatus processes a typing indicator change.
func (o *Orchestrator) HandleTypingStatus(userID string, isTyping bool) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.sender(userID); !ok {
		return
	}
	o.store.SetTyping(userID, isTyping)

	if isTyping {
		o.timers.CancelTypingTimers(userID)
		o.timers.CancelGroupDelay(userID)
		if o.timers.IsActive(userID, timers.EndUpdate) {
			o.timers.CancelEndUpdate(userID)
			o.store.SetEndUpdateTimerActive(userID, false)
			o.store.SetShouldUseIdleTimer(userID, true)
		}
		o.timers.Set(userID, timers.MaxTyping, o.delays.MaxTyping, func() {
			o.onMaxTypingFired(userID)
		})
		return
	}

	o.timers.CancelTypingTimers(userID)
	if o.store.ShouldUseIdleTimer(userID) {
		o.timers.Set(userID, timers.TypingIdle, o.delays.TypingIdle, func() {
			o.onIdleAfterTypingFired(userID)
		})
	}
}

// HandleStop aborts the in-flight response at the user's request.
func (o *Orchestrator) HandleStop(userID string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()
	o.stopLocked(userID)
}

// stopLocked cancels all timers and the pacer chain, terminates the buffer
// and acknowledges the stop to the client. Shared by Stop and EndChat.
func (o *Orchestrator) stopLocked(userID string) {
	snd, ok := o.sender(userID)
	if !ok {
		return
	}
	o.timers.CancelAll(userID)
	o.store.SetEndUpdateTimerActive(userID, false)
	o.pacer.Stop(userID)

	// Acknowledge only a live response; a second Stop is a no-op so the
	// client never sees a duplicate completion.
	alreadyComplete := o.store.IsBufferComplete(userID)
	o.store.MarkBufferComplete(userID)
	if !alreadyComplete && snd.Connected() {
		_ = snd.Send(constant.EventAIComplete, map[string]interface{}{})
	}
	o.log.Info("Orchestrator", "Response stopped", map[string]interface{}{"user_id": userID})
}

// HandleEndChat stops any in-flight response, then tears the session down.
func (o *Orchestrator) HandleEndChat(userID string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()
	o.stopLocked(userID)
	o.cleanupLocked(userID, "end_chat")
}

// HandleDisconnect tears the session down after the transport died.
func (o *Orchestrator) HandleDisconnect(userID string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()
	o.cleanupLocked(userID, "disconnect")
}

// HandleSetChatMode switches the prompt persona and optionally injects an
// opening message.
func (o *Orchestrator) HandleSetChatMode(userID, mode, initialMessage string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.sender(userID); !ok {
		return
	}
	if mode != constant.ChatModeTarot && mode != constant.ChatModeAstro {
		o.emitError(userID, "Unknown chat mode: "+mode, nil)
		return
	}
	o.store.SetMode(userID, mode)
	o.log.Info("Orchestrator", "Chat mode set", map[string]interface{}{"user_id": userID, "mode": mode})

	if initialMessage != "" {
		o.userMessageLocked(userID, initialMessage)
	}
}

// --- Interrupt flow ---

// interruptFlowLocked runs the relevance check while the pacer keeps
// delivering. The check is asynchronous; its continuation re-reads state
// because the user may have raced another event.
func (o *Orchestrator) interruptFlowLocked(userID string) {
	o.log.Info("Orchestrator", "Buffer sending; running relevance check", map[string]interface{}{"user_id": userID})

	recent := o.store.HistorySnapshot(userID, 20)
	sent := o.store.SentBlocks(userID)
	pending := o.store.PendingBlocks(userID)
	l := o.lockFor(userID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.delays.Relevance)
		defer cancel()

		needsUpdate, err := o.client.RelevanceCheck(ctx, recent, sent, pending)
		if err != nil {
			// Conservative: an unreachable judge never interrupts.
			o.log.Warn("Orchestrator", "Relevance check failed, keeping buffer", map[string]interface{}{"user_id": userID, "error": err.Error()})
			needsUpdate = false
		}

		l.Lock()
		defer l.Unlock()
		if _, ok := o.sender(userID); !ok {
			return
		}
		if !needsUpdate {
			o.store.SetNeedsUpdate(userID, false)
			return
		}

		o.store.SetNeedsUpdate(userID, true)
		if o.store.IsCurrentGroupComplete(userID) {
			o.pacer.Stop(userID)
			o.bus.Publish(events.NewChatInterruptTriggered(userID, false))
			o.groupDelayFlowLocked(userID)
			return
		}
		o.store.SetWaitingForGroup(userID, true)
		o.bus.Publish(events.NewChatInterruptTriggered(userID, true))
	}()
}

// --- Group delay flow ---

// groupDelayFlowLocked observes the 2s settle period after a group boundary
// before initiating a regeneration.
func (o *Orchestrator) groupDelayFlowLocked(userID string) {
	o.timers.Set(userID, timers.GroupDelay, o.delays.GroupDelay, func() {
		o.onGroupDelayFired(userID)
	})
}

func (o *Orchestrator) onGroupDelayFired(userID string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.sender(userID); !ok {
		return
	}
	if o.store.IsTyping(userID) {
		// Idle timer takes over once the user stops typing.
		o.store.SetShouldUseIdleTimer(userID, true)
		return
	}
	o.timers.Set(userID, timers.TypingIdle, o.delays.TypingIdle, func() {
		o.onFlowIdleFired(userID)
	})
}

// onFlowIdleFired is the flow-initiated idle expiry: regeneration here does
// not count as a user contribution.
func (o *Orchestrator) onFlowIdleFired(userID string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.sender(userID); !ok {
		return
	}
	o.store.SetUserMessaged(userID, false)
	o.regenerateNowLocked(userID)
}

// --- Timer continuations ---

func (o *Orchestrator) onMaxTypingFired(userID string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.sender(userID); !ok {
		return
	}
	o.log.Info("Orchestrator", "Max typing window elapsed, regenerating", map[string]interface{}{"user_id": userID})
	o.store.SetUserMessaged(userID, false)
	o.regenerateNowLocked(userID)
}

func (o *Orchestrator) onIdleAfterTypingFired(userID string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.sender(userID); !ok {
		return
	}
	// The flag may have vanished if a real message won the cancellation race.
	if !o.store.ShouldUseIdleTimer(userID) {
		return
	}
	o.store.SetShouldUseIdleTimer(userID, false)
	o.store.SetUserMessaged(userID, false)
	o.regenerateNowLocked(userID)
}

func (o *Orchestrator) onEndUpdateFired(userID string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.sender(userID); !ok {
		return
	}
	if !o.store.EndUpdateTimerActive(userID) {
		return
	}
	o.log.Info("Orchestrator", "Follow-up timer fired", map[string]interface{}{"user_id": userID})
	o.store.SetEndUpdateTimerActive(userID, false)
	o.store.SetUserMessaged(userID, false)
	o.regenerateNowLocked(userID)
}

// --- Regeneration ---

// regenerateNowLocked tears down timers and the pacer, then generates and
// installs a fresh buffer. The LLM call runs off the lock; a stale result
// (superseded by a newer regeneration or a dead channel) is dropped.
func (o *Orchestrator) regenerateNowLocked(userID string) {
	o.log.Info("Orchestrator", "Generating response", map[string]interface{}{"user_id": userID})

	o.timers.CancelAll(userID)
	o.store.SetEndUpdateTimerActive(userID, false)
	o.pacer.Stop(userID)

	history := o.store.HistorySnapshot(userID, 0)
	pending := o.store.PendingBlocks(userID)
	mode := o.store.Mode(userID)
	authUserID := o.store.AuthUserID(userID)

	o.mu.Lock()
	o.genSeq[userID]++
	seq := o.genSeq[userID]
	o.mu.Unlock()

	l := o.lockFor(userID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.delays.LLMCall)
		defer cancel()

		profileContext := ""
		if authUserID != "" {
			p, err := o.profiles.Fetch(ctx, authUserID)
			if err != nil {
				// Non-fatal: generate without chart context.
				o.log.Warn("Orchestrator", "Profile fetch failed", map[string]interface{}{"user_id": userID, "error": err.Error()})
			} else {
				profileContext = p
			}
		}

		blocks, err := o.client.GenerateBuffer(ctx, mode, history, pending, profileContext)

		l.Lock()
		defer l.Unlock()

		snd, ok := o.sender(userID)
		if !ok {
			return
		}
		o.mu.Lock()
		stale := o.genSeq[userID] != seq
		o.mu.Unlock()
		if stale {
			o.log.Debug("Orchestrator", "Dropping superseded buffer", map[string]interface{}{"user_id": userID})
			return
		}

		if err != nil {
			o.log.Error("Orchestrator", "Buffer generation failed", map[string]interface{}{"user_id": userID, "error": err.Error()})
			o.store.MarkBufferComplete(userID)
			o.emitError(userID, "Failed to generate response", err)
			return
		}
		if !snd.Connected() {
			// The user is gone; the response is dropped, never installed.
			return
		}

		o.store.InstallBuffer(userID, blocks)
		o.store.SetNeedsUpdate(userID, false)
		o.store.SetWaitingForGroup(userID, false)
		o.bus.Publish(events.NewChatBufferGenerated(userID, len(blocks), len(pending)))

		o.pacer.Start(userID, snd, o.onGroupComplete, o.onBufferComplete)
	}()
}

// --- Pacer callbacks ---

func (o *Orchestrator) onGroupComplete(userID string, group int) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.sender(userID); !ok {
		return
	}
	o.log.Debug("Orchestrator", "Group complete", map[string]interface{}{"user_id": userID, "group": group})

	if o.store.NeedsUpdate(userID) && o.store.WaitingForGroup(userID) {
		o.store.SetWaitingForGroup(userID, false)
		o.groupDelayFlowLocked(userID)
	}
}

func (o *Orchestrator) onBufferComplete(userID string) {
	l := o.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	snd, ok := o.sender(userID)
	if !ok {
		return
	}
	if snd.Connected() {
		_ = snd.Send(constant.EventAIComplete, map[string]interface{}{})
	}
	o.bus.Publish(events.NewChatBufferComplete(userID))

	if o.store.NeedsUpdate(userID) {
		o.groupDelayFlowLocked(userID)
		return
	}
	if o.store.UserMessaged(userID) {
		o.store.SetEndUpdateTimerActive(userID, true)
		o.timers.Set(userID, timers.EndUpdate, o.delays.EndUpdate, func() {
			o.onEndUpdateFired(userID)
		})
	}
}

// --- Teardown ---

func (o *Orchestrator) cleanupLocked(userID, reason string) {
	if _, ok := o.sender(userID); !ok {
		return
	}
	o.log.Info("Orchestrator", "Cleaning up session", map[string]interface{}{"user_id": userID, "reason": reason})

	o.timers.Cleanup(userID)
	o.pacer.Cleanup(userID)

	history := o.store.HistorySnapshot(userID, 0)
	authUserID := o.store.AuthUserID(userID)
	mode := o.store.Mode(userID)
	if o.archiver != nil && len(history) > 0 {
		go o.archiver.ArchiveSession(context.Background(), userID, authUserID, mode, reason, history)
	}
	o.bus.Publish(events.NewChatSessionEnded(userID, reason, len(history)))

	o.store.Clear(userID)

	o.mu.Lock()
	delete(o.senders, userID)
	delete(o.genSeq, userID)
	delete(o.locks, userID)
	o.mu.Unlock()
}

func (o *Orchestrator) emitError(userID, message string, err error) {
	snd, ok := o.sender(userID)
	if !ok || !snd.Connected() {
		return
	}
	data := map[string]interface{}{"message": message}
	if err != nil && !errors.Is(err, context.Canceled) {
		data["error"] = err.Error()
	}
	_ = snd.Send(constant.EventError, data)
}
