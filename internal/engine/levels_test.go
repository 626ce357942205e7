package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) now() time.Time          { return c.at }
func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func machineWithClock() (*LevelMachine, *fakeClock) {
	clock := &fakeClock{at: time.Unix(1_700_000_000, 0)}
	m := NewLevelMachine()
	m.now = clock.now
	return m, clock
}

func TestTimerExpiredAdvancesThroughAllLevels(t *testing.T) {
	m, clock := machineWithClock()
	for want := 1; want <= FinalLevel; want++ {
		assert.Equal(t, AdvanceNextLevel, m.TimerExpired())
		assert.Equal(t, want, m.Level())
		clock.advance(2 * time.Second)
	}
	assert.Equal(t, AdvanceCompleted, m.TimerExpired())
	assert.True(t, m.Completed())

	// Terminal: no transition past level 9, ever.
	clock.advance(time.Minute)
	assert.Equal(t, AdvanceIgnored, m.TimerExpired())
	assert.Equal(t, FinalLevel, m.Level())
}

func TestAdvanceLockAbsorbsDuplicateTimerFirings(t *testing.T) {
	m, clock := machineWithClock()
	assert.Equal(t, AdvanceNextLevel, m.TimerExpired())
	// Duplicate firing inside the cool-down window.
	clock.advance(200 * time.Millisecond)
	assert.Equal(t, AdvanceIgnored, m.TimerExpired())
	assert.Equal(t, 1, m.Level())

	clock.advance(time.Second)
	assert.Equal(t, AdvanceNextLevel, m.TimerExpired())
	assert.Equal(t, 2, m.Level())
}

func TestExplicitAdvanceDebounce(t *testing.T) {
	m, clock := machineWithClock()
	assert.Equal(t, AdvanceNextLevel, m.ExplicitAdvance())

	// A second click (or a racing timer) within 500ms is a no-op, and the
	// cool-down lock covers the next second regardless.
	clock.advance(300 * time.Millisecond)
	assert.Equal(t, AdvanceIgnored, m.ExplicitAdvance())

	clock.advance(2 * time.Second)
	assert.Equal(t, AdvanceNextLevel, m.ExplicitAdvance())
	assert.Equal(t, 2, m.Level())
}

func TestPauseSuppressesTickingAdvancingAndTrades(t *testing.T) {
	m, _ := machineWithClock()
	m.Pause()
	assert.False(t, m.CanTick())
	assert.False(t, m.CanTrade())
	assert.Equal(t, AdvanceIgnored, m.TimerExpired())
	assert.Equal(t, AdvanceIgnored, m.ExplicitAdvance())

	m.Resume()
	assert.True(t, m.CanTick())
	assert.True(t, m.CanTrade())
}

func TestExplicitCompleteForcesTerminal(t *testing.T) {
	m, _ := machineWithClock()
	assert.True(t, m.ExplicitComplete())
	assert.True(t, m.Completed())
	assert.False(t, m.ExplicitComplete(), "already terminal")
}

func TestSagaGuardSingleShot(t *testing.T) {
	m, _ := machineWithClock()
	m.ExplicitComplete()
	assert.True(t, m.BeginSaga())
	assert.False(t, m.BeginSaga(), "repeated terminal notifications must not start a second run")

	m.ResetSaga()
	assert.True(t, m.BeginSaga(), "total failure releases the guard for a later retry")
}

func TestRevertToActiveClearsTerminalAndSagaGuard(t *testing.T) {
	m, _ := machineWithClock()
	m.ExplicitComplete()
	m.BeginSaga()
	m.RevertToActive()
	assert.False(t, m.Completed())
	assert.True(t, m.BeginSaga())
}
