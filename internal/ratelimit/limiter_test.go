package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAllow_CeilingWithinWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(map[string]Rule{"save-document": {Max: 3, Window: time.Minute}}, WithClock(clock.Now))
	counters := Counters{}

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(counters, "save-document"), "call %d", i+1)
	}
	assert.False(t, l.Allow(counters, "save-document"), "fourth call exceeds ceiling")
	assert.False(t, l.Allow(counters, "save-document"))
	assert.Equal(t, 3, counters["save-document"].Count, "denials never increment past the ceiling")
}

func TestAllow_WindowReset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(map[string]Rule{"cursor-update": {Max: 2, Window: 10 * time.Second}}, WithClock(clock.Now))
	counters := Counters{}

	require.True(t, l.Allow(counters, "cursor-update"))
	require.True(t, l.Allow(counters, "cursor-update"))
	require.False(t, l.Allow(counters, "cursor-update"))

	clock.Advance(10 * time.Second)
	assert.True(t, l.Allow(counters, "cursor-update"), "expired window is reinitialized")
	assert.Equal(t, 1, counters["cursor-update"].Count)
	assert.Equal(t, clock.Now().Add(10*time.Second), counters["cursor-update"].WindowResetAt)
}

func TestAllow_UnconfiguredAction(t *testing.T) {
	l := New(nil)
	counters := Counters{}
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow(counters, "ping"))
	}
	assert.Empty(t, counters)
}

func TestAllow_ActionsAreIndependent(t *testing.T) {
	l := New(map[string]Rule{
		"join-document": {Max: 1, Window: time.Minute},
		"send-changes":  {Max: 1, Window: time.Minute},
	})
	counters := Counters{}

	assert.True(t, l.Allow(counters, "join-document"))
	assert.False(t, l.Allow(counters, "join-document"))
	assert.True(t, l.Allow(counters, "send-changes"))
}

func TestSilent(t *testing.T) {
	l := New(nil, WithSilentActions("cursor-update", "send-changes"))
	assert.True(t, l.Silent("cursor-update"))
	assert.False(t, l.Silent("save-document"))
}
