package session

import "time"

// Block is one unit of paced output from the model. Consecutive blocks
// sharing a Group form an indivisible thought during interrupt cutover.
type Block struct {
	Text       string  `json:"text"`
	TypingTime float64 `json:"typingTime"`
	Group      int     `json:"group"`
}

// Buffer holds the blocks of one generated response plus the delivery cursor.
type Buffer struct {
	Blocks       []Block
	CurrentIndex int
	IsComplete   bool
	IsPaused     bool
}

// CurrentGroup returns the group of the block at the cursor.
// The second return is false when the cursor is past the end.
func (b *Buffer) CurrentGroup() (int, bool) {
	if b == nil || b.CurrentIndex >= len(b.Blocks) {
		return 0, false
	}
	return b.Blocks[b.CurrentIndex].Group, true
}

// HistoryEntry is a single conversation turn. Entries are append-only.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingState tracks the client-reported typing indicator.
// ShouldUseIdleTimer is only set after an interrupt settle or after the
// end-update timer was cancelled by typing; it arms the idle timer when the
// user stops typing without sending a message.
type TypingState struct {
	IsTyping           bool
	LastTypingTime     time.Time
	ShouldUseIdleTimer bool
}

// UpdateCheckState tracks a pending relevance-triggered regeneration.
// WaitingForGroup is true while the pacer drains the current group.
type UpdateCheckState struct {
	NeedsUpdate     bool
	WaitingForGroup bool
	LastCheckTime   time.Time
}

// EndUpdateState tracks the post-response follow-up timer.
// UserMessagedSinceLastEndUpdate gates the timer so the assistant never
// follows up on its own follow-up.
type EndUpdateState struct {
	TimerActive                    bool
	TimerStartTime                 time.Time
	UserMessagedSinceLastEndUpdate bool
}

// Session is the aggregate state for one connection.
type Session struct {
	ID         string
	AuthUserID string
	Mode       string

	History     []HistoryEntry
	Buffer      *Buffer
	Typing      TypingState
	UpdateCheck UpdateCheckState
	EndUpdate   EndUpdateState

	CreatedAt time.Time
}
