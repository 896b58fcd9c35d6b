package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupStateLazyRecords(t *testing.T) {
	d := NewDedupState()
	s := d.Get(42)
	assert.Nil(t, s.LastFiredAt)
	assert.False(t, s.HasFired("round:1"))
	assert.Equal(t, 0, d.Len(), "Get must not create records")

	d.MarkFired(42, t0, "round:1")
	s = d.Get(42)
	require.NotNil(t, s.LastFiredAt)
	assert.True(t, t0.Equal(*s.LastFiredAt))
	assert.True(t, s.HasFired("round:1"))
}

func TestDedupStateGetReturnsCopy(t *testing.T) {
	d := NewDedupState()
	d.MarkFired(1, t0, "match:M1")

	s := d.Get(1)
	s.FiredScopeKeys["match:M2"] = struct{}{}
	*s.LastFiredAt = t0.Add(time.Hour)

	fresh := d.Get(1)
	assert.False(t, fresh.HasFired("match:M2"))
	assert.True(t, t0.Equal(*fresh.LastFiredAt))
}

func TestDedupStateClearScope(t *testing.T) {
	d := NewDedupState()
	d.MarkFired(1, t0, "round:3")
	d.MarkFired(2, t0, "match:M1")
	d.MarkFired(2, t0, "round:3")

	d.ClearScope(ScopeRound)

	assert.False(t, d.Get(1).HasFired("round:3"))
	assert.False(t, d.Get(2).HasFired("round:3"))
	assert.True(t, d.Get(2).HasFired("match:M1"))
	// Timing memory survives a scope reset
	assert.NotNil(t, d.Get(1).LastFiredAt)

	d.ClearScope(ScopeMatch)
	assert.False(t, d.Get(2).HasFired("match:M1"))
}

func TestDedupStateReset(t *testing.T) {
	d := NewDedupState()
	d.MarkFired(1, t0, "")
	d.MarkFired(2, t0, "")

	d.Reset(1)
	assert.Nil(t, d.Get(1).LastFiredAt)
	assert.NotNil(t, d.Get(2).LastFiredAt)

	d.ResetAll()
	assert.Equal(t, 0, d.Len())
}
