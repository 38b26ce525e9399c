package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIsLazy(t *testing.T) {
	store := NewStore()

	require.False(t, store.Exists("u1"))
	sess := store.GetOrCreate("u1")
	require.NotNil(t, sess)
	require.True(t, store.Exists("u1"))

	// Same session on repeat access
	assert.Same(t, sess, store.GetOrCreate("u1"))

	store.Clear("u1")
	assert.False(t, store.Exists("u1"))
}

func TestHistoryAppendAndSnapshot(t *testing.T) {
	store := NewStore()

	store.AppendUserMessage("u1", "hello")
	store.AppendModelMessage("u1", "hey there")
	store.AppendUserMessage("u1", "how are you")

	all := store.HistorySnapshot("u1", 0)
	require.Len(t, all, 3)
	assert.Equal(t, RoleUser, all[0].Role)
	assert.Equal(t, RoleModel, all[1].Role)
	assert.Equal(t, "how are you", all[2].Content)

	tail := store.HistorySnapshot("u1", 2)
	require.Len(t, tail, 2)
	assert.Equal(t, "hey there", tail[0].Content)

	// Snapshot is a copy, not an alias
	tail[0].Content = "mutated"
	assert.Equal(t, "hey there", store.HistorySnapshot("u1", 0)[1].Content)
}

func TestBufferCursorInvariants(t *testing.T) {
	store := NewStore()
	blocks := []Block{
		{Text: "a", TypingTime: 1, Group: 1},
		{Text: "b", TypingTime: 1, Group: 1},
		{Text: "c", TypingTime: 1, Group: 2},
	}
	store.InstallBuffer("u1", blocks)

	group, ok := store.CurrentGroup("u1")
	require.True(t, ok)
	assert.Equal(t, 1, group)
	assert.False(t, store.IsBufferComplete("u1"))

	blk, ok := store.NextBlock("u1")
	require.True(t, ok)
	assert.Equal(t, "a", blk.Text)

	// NextBlock does not advance
	blk, _ = store.NextBlock("u1")
	assert.Equal(t, "a", blk.Text)

	store.AdvanceCursor("u1")
	store.AdvanceCursor("u1")
	group, ok = store.CurrentGroup("u1")
	require.True(t, ok)
	assert.Equal(t, 2, group)

	store.AdvanceCursor("u1")
	_, ok = store.CurrentGroup("u1")
	assert.False(t, ok, "currentGroup must be empty once exhausted")
	assert.True(t, store.IsBufferComplete("u1"), "exhausted cursor implies complete")

	_, ok = store.NextBlock("u1")
	assert.False(t, ok)

	// Advancing past the end stays put
	store.AdvanceCursor("u1")
	assert.True(t, store.IsBufferComplete("u1"))
}

func TestInstallBufferResetsCursor(t *testing.T) {
	store := NewStore()
	store.InstallBuffer("u1", []Block{{Text: "a", TypingTime: 1, Group: 1}})
	store.AdvanceCursor("u1")
	require.True(t, store.IsBufferComplete("u1"))

	store.InstallBuffer("u1", []Block{{Text: "x", TypingTime: 1, Group: 1}})
	assert.False(t, store.IsBufferComplete("u1"))
	blk, ok := store.NextBlock("u1")
	require.True(t, ok)
	assert.Equal(t, "x", blk.Text)
}

func TestInstallEmptyBufferIsComplete(t *testing.T) {
	store := NewStore()
	store.InstallBuffer("u1", nil)
	assert.True(t, store.IsBufferComplete("u1"))
	_, ok := store.CurrentGroup("u1")
	assert.False(t, ok)
}

func TestIsCurrentGroupComplete(t *testing.T) {
	tests := []struct {
		name     string
		blocks   []Block
		advances int
		want     bool
	}{
		{
			name:     "delivery not started",
			blocks:   []Block{{Text: "a", Group: 1}, {Text: "b", Group: 1}},
			advances: 0,
			want:     true,
		},
		{
			name:     "more blocks of in-flight group ahead",
			blocks:   []Block{{Text: "a", Group: 1}, {Text: "b", Group: 1}},
			advances: 1,
			want:     false,
		},
		{
			name:     "group boundary just crossed",
			blocks:   []Block{{Text: "a", Group: 1}, {Text: "b", Group: 2}},
			advances: 1,
			want:     true,
		},
		{
			name:     "buffer exhausted",
			blocks:   []Block{{Text: "a", Group: 1}},
			advances: 1,
			want:     true,
		},
		{
			name:     "no buffer",
			blocks:   nil,
			advances: 0,
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore()
			if tt.blocks != nil {
				store.InstallBuffer("u1", tt.blocks)
			}
			for i := 0; i < tt.advances; i++ {
				store.AdvanceCursor("u1")
			}
			assert.Equal(t, tt.want, store.IsCurrentGroupComplete("u1"))
		})
	}
}

func TestPendingAndSentBlocks(t *testing.T) {
	store := NewStore()
	store.InstallBuffer("u1", []Block{
		{Text: "a", Group: 1},
		{Text: "b", Group: 1},
		{Text: "c", Group: 2},
	})
	store.AdvanceCursor("u1")

	sent := store.SentBlocks("u1")
	require.Len(t, sent, 1)
	assert.Equal(t, "a", sent[0].Text)

	pending := store.PendingBlocks("u1")
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].Text)
	assert.Equal(t, "c", pending[1].Text)
}

func TestPauseResume(t *testing.T) {
	store := NewStore()
	store.InstallBuffer("u1", []Block{{Text: "a", Group: 1}})

	assert.False(t, store.IsPaused("u1"))
	store.Pause("u1")
	assert.True(t, store.IsPaused("u1"))
	store.Resume("u1")
	assert.False(t, store.IsPaused("u1"))
}

func TestFlagRoundTrips(t *testing.T) {
	store := NewStore()

	store.SetTyping("u1", true)
	assert.True(t, store.IsTyping("u1"))

	store.SetShouldUseIdleTimer("u1", true)
	assert.True(t, store.ShouldUseIdleTimer("u1"))

	store.SetNeedsUpdate("u1", true)
	store.SetWaitingForGroup("u1", true)
	assert.True(t, store.NeedsUpdate("u1"))
	assert.True(t, store.WaitingForGroup("u1"))

	store.SetEndUpdateTimerActive("u1", true)
	assert.True(t, store.EndUpdateTimerActive("u1"))

	store.SetUserMessaged("u1", true)
	assert.True(t, store.UserMessaged("u1"))

	store.SetMode("u1", "astro")
	assert.Equal(t, "astro", store.Mode("u1"))

	store.SetAuthUserID("u1", "auth-9")
	assert.Equal(t, "auth-9", store.AuthUserID("u1"))

	// Sessions do not bleed into each other
	assert.False(t, store.IsTyping("u2"))
	assert.False(t, store.NeedsUpdate("u2"))
}
