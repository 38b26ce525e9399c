package session

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Store maps connection ids to Sessions. Sessions are created lazily on
// first access and removed explicitly on end-chat or disconnect. A long
// expiration acts as a safety net for sessions whose disconnect event was
// lost; the per-session mutex makes every operation atomic at single-session
// granularity.
type Store struct {
	mu    sync.Mutex
	cache *cache.Cache
	locks map[string]*sync.Mutex
}

func NewStore() *Store {
	return &Store{
		cache: cache.New(24*time.Hour, 1*time.Hour),
		locks: make(map[string]*sync.Mutex),
	}
}

// GetOrCreate returns the session for the given connection id, creating an
// empty one if needed.
func (s *Store) GetOrCreate(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id)
}

func (s *Store) getOrCreateLocked(id string) *Session {
	if x, found := s.cache.Get(id); found {
		return x.(*Session)
	}
	sess := &Session{
		ID:        id,
		History:   make([]HistoryEntry, 0, 16),
		CreatedAt: time.Now(),
	}
	s.cache.Set(id, sess, cache.DefaultExpiration)
	s.locks[id] = &sync.Mutex{}
	return sess
}

// Exists reports whether a session is currently held for the connection id.
func (s *Store) Exists(id string) bool {
	_, found := s.cache.Get(id)
	return found
}

// Clear removes the session and its lock.
func (s *Store) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(id)
	delete(s.locks, id)
}

// with runs fn against the session under its lock, creating the session
// lazily. All public field accessors below funnel through it.
func (s *Store) with(id string, fn func(sess *Session)) {
	s.mu.Lock()
	sess := s.getOrCreateLocked(id)
	lock := s.locks[id]
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	fn(sess)
}

// --- History ---

func (s *Store) AppendUserMessage(id, content string) {
	s.with(id, func(sess *Session) {
		sess.History = append(sess.History, HistoryEntry{Role: RoleUser, Content: content, Timestamp: time.Now()})
	})
}

func (s *Store) AppendModelMessage(id, content string) {
	s.with(id, func(sess *Session) {
		sess.History = append(sess.History, HistoryEntry{Role: RoleModel, Content: content, Timestamp: time.Now()})
	})
}

// HistorySnapshot returns a copy of the conversation history. A positive
// tail limits the snapshot to the last tail entries.
func (s *Store) HistorySnapshot(id string, tail int) []HistoryEntry {
	var out []HistoryEntry
	s.with(id, func(sess *Session) {
		h := sess.History
		if tail > 0 && len(h) > tail {
			h = h[len(h)-tail:]
		}
		out = make([]HistoryEntry, len(h))
		copy(out, h)
	})
	return out
}

// --- Buffer ---

// InstallBuffer replaces the session buffer with a fresh one, cursor at zero.
func (s *Store) InstallBuffer(id string, blocks []Block) {
	s.with(id, func(sess *Session) {
		sess.Buffer = &Buffer{Blocks: blocks}
		if len(blocks) == 0 {
			sess.Buffer.IsComplete = true
		}
	})
}

// NextBlock returns the block at the cursor without advancing.
func (s *Store) NextBlock(id string) (Block, bool) {
	var blk Block
	var ok bool
	s.with(id, func(sess *Session) {
		b := sess.Buffer
		if b == nil || b.IsComplete || b.CurrentIndex >= len(b.Blocks) {
			return
		}
		blk = b.Blocks[b.CurrentIndex]
		ok = true
	})
	return blk, ok
}

// AdvanceCursor moves the cursor forward one block, marking the buffer
// complete when it runs past the end.
func (s *Store) AdvanceCursor(id string) {
	s.with(id, func(sess *Session) {
		b := sess.Buffer
		if b == nil || b.CurrentIndex >= len(b.Blocks) {
			return
		}
		b.CurrentIndex++
		if b.CurrentIndex >= len(b.Blocks) {
			b.IsComplete = true
		}
	})
}

// CurrentGroup returns the group at the cursor; false when exhausted.
func (s *Store) CurrentGroup(id string) (int, bool) {
	var group int
	var ok bool
	s.with(id, func(sess *Session) {
		group, ok = sess.Buffer.CurrentGroup()
	})
	return group, ok
}

// IsCurrentGroupComplete reports whether the group being delivered has
// fully drained: no block at or after the cursor still belongs to the last
// emitted block's group. An exhausted buffer counts complete, as does a
// buffer whose delivery has not started.
func (s *Store) IsCurrentGroupComplete(id string) bool {
	complete := true
	s.with(id, func(sess *Session) {
		b := sess.Buffer
		if b == nil || b.CurrentIndex == 0 || b.CurrentIndex >= len(b.Blocks) {
			return
		}
		group := b.Blocks[b.CurrentIndex-1].Group
		for i := b.CurrentIndex; i < len(b.Blocks); i++ {
			if b.Blocks[i].Group == group {
				complete = false
				return
			}
		}
	})
	return complete
}

// PendingBlocks returns a copy of the not-yet-sent blocks.
func (s *Store) PendingBlocks(id string) []Block {
	var out []Block
	s.with(id, func(sess *Session) {
		b := sess.Buffer
		if b == nil || b.CurrentIndex >= len(b.Blocks) {
			return
		}
		out = make([]Block, len(b.Blocks)-b.CurrentIndex)
		copy(out, b.Blocks[b.CurrentIndex:])
	})
	return out
}

// SentBlocks returns a copy of the already-delivered blocks.
func (s *Store) SentBlocks(id string) []Block {
	var out []Block
	s.with(id, func(sess *Session) {
		b := sess.Buffer
		if b == nil {
			return
		}
		n := b.CurrentIndex
		if n > len(b.Blocks) {
			n = len(b.Blocks)
		}
		out = make([]Block, n)
		copy(out, b.Blocks[:n])
	})
	return out
}

// MarkBufferComplete forcibly terminates the buffer.
func (s *Store) MarkBufferComplete(id string) {
	s.with(id, func(sess *Session) {
		if sess.Buffer == nil {
			sess.Buffer = &Buffer{}
		}
		sess.Buffer.IsComplete = true
	})
}

// IsBufferComplete reports whether the buffer is drained or was terminated.
// A session without a buffer counts complete.
func (s *Store) IsBufferComplete(id string) bool {
	complete := true
	s.with(id, func(sess *Session) {
		if sess.Buffer != nil {
			complete = sess.Buffer.IsComplete
		}
	})
	return complete
}

func (s *Store) Pause(id string) {
	s.with(id, func(sess *Session) {
		if sess.Buffer != nil {
			sess.Buffer.IsPaused = true
		}
	})
}

func (s *Store) Resume(id string) {
	s.with(id, func(sess *Session) {
		if sess.Buffer != nil {
			sess.Buffer.IsPaused = false
		}
	})
}

func (s *Store) IsPaused(id string) bool {
	paused := false
	s.with(id, func(sess *Session) {
		if sess.Buffer != nil {
			paused = sess.Buffer.IsPaused
		}
	})
	return paused
}

// --- Typing state ---

func (s *Store) SetTyping(id string, isTyping bool) {
	s.with(id, func(sess *Session) {
		sess.Typing.IsTyping = isTyping
		sess.Typing.LastTypingTime = time.Now()
	})
}

func (s *Store) IsTyping(id string) bool {
	var typing bool
	s.with(id, func(sess *Session) { typing = sess.Typing.IsTyping })
	return typing
}

func (s *Store) SetShouldUseIdleTimer(id string, v bool) {
	s.with(id, func(sess *Session) { sess.Typing.ShouldUseIdleTimer = v })
}

func (s *Store) ShouldUseIdleTimer(id string) bool {
	var v bool
	s.with(id, func(sess *Session) { v = sess.Typing.ShouldUseIdleTimer })
	return v
}

// --- Update-check state ---

func (s *Store) SetNeedsUpdate(id string, v bool) {
	s.with(id, func(sess *Session) {
		sess.UpdateCheck.NeedsUpdate = v
		sess.UpdateCheck.LastCheckTime = time.Now()
	})
}

func (s *Store) NeedsUpdate(id string) bool {
	var v bool
	s.with(id, func(sess *Session) { v = sess.UpdateCheck.NeedsUpdate })
	return v
}

func (s *Store) SetWaitingForGroup(id string, v bool) {
	s.with(id, func(sess *Session) { sess.UpdateCheck.WaitingForGroup = v })
}

func (s *Store) WaitingForGroup(id string) bool {
	var v bool
	s.with(id, func(sess *Session) { v = sess.UpdateCheck.WaitingForGroup })
	return v
}

// --- End-update state ---

func (s *Store) SetEndUpdateTimerActive(id string, v bool) {
	s.with(id, func(sess *Session) {
		sess.EndUpdate.TimerActive = v
		if v {
			sess.EndUpdate.TimerStartTime = time.Now()
		}
	})
}

func (s *Store) EndUpdateTimerActive(id string) bool {
	var v bool
	s.with(id, func(sess *Session) { v = sess.EndUpdate.TimerActive })
	return v
}

func (s *Store) SetUserMessaged(id string, v bool) {
	s.with(id, func(sess *Session) { sess.EndUpdate.UserMessagedSinceLastEndUpdate = v })
}

func (s *Store) UserMessaged(id string) bool {
	var v bool
	s.with(id, func(sess *Session) { v = sess.EndUpdate.UserMessagedSinceLastEndUpdate })
	return v
}

// --- Identity / mode ---

func (s *Store) SetMode(id, mode string) {
	s.with(id, func(sess *Session) { sess.Mode = mode })
}

func (s *Store) Mode(id string) string {
	var mode string
	s.with(id, func(sess *Session) { mode = sess.Mode })
	return mode
}

func (s *Store) SetAuthUserID(id, authUserID string) {
	s.with(id, func(sess *Session) { sess.AuthUserID = authUserID })
}

func (s *Store) AuthUserID(id string) string {
	var v string
	s.with(id, func(sess *Session) { v = sess.AuthUserID })
	return v
}
