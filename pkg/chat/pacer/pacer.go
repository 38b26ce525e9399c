package pacer

import (
	"sync"
	"time"

	"ai-chat-relay-be/internal/pkg/logger"
	"ai-chat-relay-be/pkg/chat/session"
)

// Sender is the delivery side of a connection. Emission must check
// Connected and bail out silently when the transport died.
type Sender interface {
	Connected() bool
	Send(event string, data map[string]interface{}) error
}

// GroupCompleteFunc is invoked when the block just delivered closed out its
// group, including the final group before the buffer exhausts.
type GroupCompleteFunc func(userID string, group int)

// BufferCompleteFunc is invoked once the buffer has fully drained.
type BufferCompleteFunc func(userID string)

const minBlockDelay = 1 * time.Second

// Pacer serializes blocks from a session buffer to the delivery channel,
// honoring per-block typing times. At most one emission chain exists per
// connection; Start implicitly cancels the prior chain via a generation
// counter, so a late firing from a replaced chain is a no-op.
type Pacer struct {
	store *session.Store
	log   logger.ILogger

	minDelay time.Duration

	mu     sync.Mutex
	gens   map[string]uint64
	timers map[string]*time.Timer
	chains map[string]*chain
}

type chain struct {
	sender           Sender
	onGroupComplete  GroupCompleteFunc
	onBufferComplete BufferCompleteFunc
}

// Option configures a Pacer.
type Option func(*Pacer)

// WithMinDelay overrides the one-second minimum effective block delay.
func WithMinDelay(d time.Duration) Option {
	return func(p *Pacer) { p.minDelay = d }
}

func New(store *session.Store, log logger.ILogger, opts ...Option) *Pacer {
	p := &Pacer{
		store:    store,
		log:      log,
		minDelay: minBlockDelay,
		gens:     make(map[string]uint64),
		timers:   make(map[string]*time.Timer),
		chains:   make(map[string]*chain),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins a new emission chain for the connection. Any prior chain is
// cancelled. The first block is delivered after its own typing time.
func (p *Pacer) Start(userID string, sender Sender, onGroup GroupCompleteFunc, onBuffer BufferCompleteFunc) {
	if sender == nil || !sender.Connected() {
		p.log.Warn("Pacer", "Start refused, channel not live", map[string]interface{}{"user_id": userID})
		return
	}
	p.store.Resume(userID)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.gens[userID]++
	gen := p.gens[userID]
	if t, ok := p.timers[userID]; ok {
		t.Stop()
		delete(p.timers, userID)
	}
	p.chains[userID] = &chain{sender: sender, onGroupComplete: onGroup, onBufferComplete: onBuffer}
	p.scheduleLocked(userID, gen)
}

// Stop cancels the pending next-block firing. No callbacks fire.
func (p *Pacer) Stop(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gens[userID]++
	if t, ok := p.timers[userID]; ok {
		t.Stop()
		delete(p.timers, userID)
	}
}

// Pause cancels the next-block firing and marks the buffer paused; Resume
// restarts the chain from the cursor.
func (p *Pacer) Pause(userID string) {
	p.Stop(userID)
	p.store.Pause(userID)
}

// Resume clears the paused flag and restarts the emission chain if it was
// paused.
func (p *Pacer) Resume(userID string) {
	if !p.store.IsPaused(userID) {
		return
	}
	p.store.Resume(userID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.chains[userID]; !ok {
		return
	}
	p.gens[userID]++
	p.scheduleLocked(userID, p.gens[userID])
}

// IsSending reports whether a next-block firing is pending.
func (p *Pacer) IsSending(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, pending := p.timers[userID]
	return pending
}

// Cleanup stops the chain and releases the channel reference.
func (p *Pacer) Cleanup(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gens[userID]++
	if t, ok := p.timers[userID]; ok {
		t.Stop()
		delete(p.timers, userID)
	}
	delete(p.chains, userID)
	delete(p.gens, userID)
}

// scheduleLocked arms the step timer using the typing time of the block the
// step will deliver, clamped to the minimum delay. Caller holds p.mu.
func (p *Pacer) scheduleLocked(userID string, gen uint64) {
	delay := p.minDelay
	if blk, ok := p.store.NextBlock(userID); ok {
		if d := time.Duration(blk.TypingTime * float64(time.Second)); d > delay {
			delay = d
		}
	}
	p.timers[userID] = time.AfterFunc(delay, func() {
		p.step(userID, gen)
	})
}

// step is the between-block decision procedure.
func (p *Pacer) step(userID string, gen uint64) {
	p.mu.Lock()
	if p.gens[userID] != gen {
		p.mu.Unlock()
		return
	}
	delete(p.timers, userID)
	ch := p.chains[userID]
	p.mu.Unlock()

	if ch == nil {
		return
	}
	if !ch.sender.Connected() {
		p.log.Info("Pacer", "Channel dead, stopping emission", map[string]interface{}{"user_id": userID})
		p.Stop(userID)
		return
	}
	if p.store.IsPaused(userID) {
		return
	}
	// The orchestrator requested a clean interrupt. Release the chain and
	// let it own what happens next.
	if p.store.NeedsUpdate(userID) && !p.store.WaitingForGroup(userID) {
		p.log.Info("Pacer", "Interrupt requested, releasing chain", map[string]interface{}{"user_id": userID})
		return
	}

	blk, ok := p.store.NextBlock(userID)
	if !ok {
		if ch.onBufferComplete != nil {
			ch.onBufferComplete(userID)
		}
		return
	}

	if err := ch.sender.Send("ai_block", map[string]interface{}{
		"text":      blk.Text,
		"group":     blk.Group,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		p.log.Warn("Pacer", "Block emission failed", map[string]interface{}{"user_id": userID, "error": err.Error()})
		p.Stop(userID)
		return
	}
	p.store.AppendModelMessage(userID, blk.Text)

	previousGroup, _ := p.store.CurrentGroup(userID)
	p.store.AdvanceCursor(userID)
	newGroup, inRange := p.store.CurrentGroup(userID)

	// Schedule before invoking the callback so an orchestrator Stop inside
	// the callback cancels the timer just armed.
	p.mu.Lock()
	if p.gens[userID] == gen {
		delay := p.minDelay
		if d := time.Duration(blk.TypingTime * float64(time.Second)); d > delay {
			delay = d
		}
		p.timers[userID] = time.AfterFunc(delay, func() {
			p.step(userID, gen)
		})
	}
	p.mu.Unlock()

	if (!inRange || newGroup != previousGroup) && ch.onGroupComplete != nil {
		ch.onGroupComplete(userID, previousGroup)
	}
}
