package serverpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/config"
)

func testServers() []config.ServerConfig {
	return []config.ServerConfig{
		{ID: 1, Host: "news-a", MaxConnections: 2, Level: 0, Group: 0},
		{ID: 2, Host: "news-b", MaxConnections: 2, Level: 0, Group: 1},
		{ID: 3, Host: "backup", MaxConnections: 1, Level: 1, Group: 0},
	}
}

func TestAcquirePrefersLowestLevel(t *testing.T) {
	p := New(testServers(), 10*time.Second)

	slot, ok := p.AcquireForArticle(nil)
	require.True(t, ok)
	assert.Equal(t, 0, slot.Level())
	assert.Equal(t, 1, slot.ServerID())
}

func TestConnectionCapIsHonored(t *testing.T) {
	p := New(testServers(), 10*time.Second)

	// exhaust level 0 (2+2 slots); the busy level must block escalation
	var slots []*Slot
	for i := 0; i < 4; i++ {
		slot, ok := p.AcquireForArticle(nil)
		require.True(t, ok, "slot %d", i)
		assert.Equal(t, 0, slot.Level(), "level-1 must stay closed while level 0 has capacity pending")
		slots = append(slots, slot)
	}

	_, ok := p.AcquireForArticle(nil)
	assert.False(t, ok, "all level-0 capacity busy, article must wait")
	assert.Equal(t, 4, p.ActiveCount())

	p.Release(slots[0], OutcomeSuccess)
	slot, ok := p.AcquireForArticle(nil)
	require.True(t, ok)
	assert.Equal(t, 0, slot.Level())
}

func TestLevelEscalationAfterFailures(t *testing.T) {
	p := New(testServers(), 10*time.Second)

	failedLevel0 := func(id int) bool { return id == 1 || id == 2 }

	slot, ok := p.AcquireForArticle(failedLevel0)
	require.True(t, ok)
	assert.Equal(t, 1, slot.Level())
	assert.Equal(t, 3, slot.ServerID())
}

func TestExhausted(t *testing.T) {
	p := New(testServers(), 10*time.Second)

	assert.False(t, p.Exhausted(func(id int) bool { return id == 1 }))
	assert.True(t, p.Exhausted(func(id int) bool { return true }))
}

func TestRetryBackoffDoubles(t *testing.T) {
	now := time.Now()
	p := New(testServers()[:1], 10*time.Second)
	p.now = func() time.Time { return now }

	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		slot, ok := p.AcquireForArticle(nil)
		require.True(t, ok, "round %d", i)
		p.Release(slot, OutcomeRetry)
		assert.Equal(t, want, p.servers[0].backoff)

		// quarantined now
		_, ok = p.AcquireForArticle(nil)
		assert.False(t, ok)

		// advance past the quarantine
		now = now.Add(want + time.Millisecond)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	now := time.Now()
	p := New(testServers()[:1], 10*time.Second)
	p.now = func() time.Time { return now }

	for i := 0; i < 15; i++ {
		slot, ok := p.AcquireForArticle(nil)
		require.True(t, ok)
		p.Release(slot, OutcomeRetry)
		now = now.Add(backoffCap + time.Millisecond)
	}

	assert.Equal(t, backoffCap, p.servers[0].backoff)
}

func TestHardFailUsesRetryInterval(t *testing.T) {
	now := time.Now()
	p := New(testServers()[:1], 42*time.Second)
	p.now = func() time.Time { return now }

	slot, ok := p.AcquireForArticle(nil)
	require.True(t, ok)
	p.Release(slot, OutcomeHardFail)

	assert.Equal(t, now.Add(42*time.Second), p.servers[0].quarantinedUntil)
}

func TestReconfigureDrainsStaleSlots(t *testing.T) {
	p := New(testServers(), 10*time.Second)

	slot, ok := p.AcquireForArticle(nil)
	require.True(t, ok)

	p.Reconfigure(testServers())
	p.Release(slot, OutcomeSuccess)

	assert.Equal(t, 0, p.ActiveCount())
}

func TestInactiveServerIsSkipped(t *testing.T) {
	servers := testServers()
	inactive := false
	servers[0].Active = &inactive
	p := New(servers, 10*time.Second)

	slot, ok := p.AcquireForArticle(nil)
	require.True(t, ok)
	assert.Equal(t, 2, slot.ServerID())
}
