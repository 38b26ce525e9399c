package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFiresOnce(t *testing.T) {
	svc := NewService()
	var fired atomic.Int32

	svc.Set("u1", TypingIdle, 20*time.Millisecond, func() { fired.Add(1) })
	require.True(t, svc.IsActive("u1", TypingIdle))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, svc.IsActive("u1", TypingIdle), "fired timer must not stay active")
}

func TestSetReplacesPriorTimer(t *testing.T) {
	svc := NewService()
	var first, second atomic.Int32

	svc.Set("u1", EndUpdate, 30*time.Millisecond, func() { first.Add(1) })
	svc.Set("u1", EndUpdate, 30*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "replaced timer must not fire")
	assert.Equal(t, int32(1), second.Load())
}

func TestCancelPreventsFiring(t *testing.T) {
	svc := NewService()
	var fired atomic.Int32

	svc.Set("u1", GroupDelay, 30*time.Millisecond, func() { fired.Add(1) })
	svc.Cancel("u1", GroupDelay)
	assert.False(t, svc.IsActive("u1", GroupDelay))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestCancelTypingTimersLeavesOthers(t *testing.T) {
	svc := NewService()
	noop := func() {}

	svc.Set("u1", TypingIdle, time.Minute, noop)
	svc.Set("u1", MaxTyping, time.Minute, noop)
	svc.Set("u1", EndUpdate, time.Minute, noop)
	svc.Set("u1", GroupDelay, time.Minute, noop)

	svc.CancelTypingTimers("u1")
	assert.False(t, svc.IsActive("u1", TypingIdle))
	assert.False(t, svc.IsActive("u1", MaxTyping))
	assert.True(t, svc.IsActive("u1", EndUpdate))
	assert.True(t, svc.IsActive("u1", GroupDelay))

	svc.CancelEndUpdate("u1")
	assert.False(t, svc.IsActive("u1", EndUpdate))
	svc.CancelGroupDelay("u1")
	assert.False(t, svc.IsActive("u1", GroupDelay))
}

func TestCancelAllAndCleanup(t *testing.T) {
	svc := NewService()
	var fired atomic.Int32
	count := func() { fired.Add(1) }

	svc.Set("u1", TypingIdle, 30*time.Millisecond, count)
	svc.Set("u1", EndUpdate, 30*time.Millisecond, count)
	svc.CancelAll("u1")

	svc.Set("u2", MaxTyping, 30*time.Millisecond, count)
	svc.Cleanup("u2")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, svc.IsActive("u1", TypingIdle))
	assert.False(t, svc.IsActive("u2", MaxTyping))
}

func TestTimersAreScopedPerUser(t *testing.T) {
	svc := NewService()
	var fired atomic.Int32

	svc.Set("u1", TypingIdle, 30*time.Millisecond, func() { fired.Add(1) })
	svc.Set("u2", TypingIdle, 30*time.Millisecond, func() { fired.Add(1) })
	svc.Cancel("u1", TypingIdle)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "u2's timer must survive u1's cancel")
}

func TestReferenceDelays(t *testing.T) {
	assert.Equal(t, 5*time.Second, TypingIdleDelay)
	assert.Equal(t, 30*time.Second, MaxTypingDelay)
	assert.Equal(t, 2*time.Second, GroupDelayDelay)
	assert.Equal(t, 25*time.Second, EndUpdateDelay)
}
