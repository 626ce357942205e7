package engine

import "time"

const (
	// Cool-down after an advance absorbs duplicate timer firings.
	advanceCooldown = time.Second
	// A timer firing and a user click can race; a second explicit advance
	// inside this window is a no-op.
	advanceDebounce = 500 * time.Millisecond
)

type AdvanceOutcome int

const (
	AdvanceIgnored AdvanceOutcome = iota
	AdvanceNextLevel
	AdvanceCompleted
)

// LevelMachine governs the level index, the transient advance lock, the
// pause flag and the terminal completed state for one session.
type LevelMachine struct {
	level       int
	lockUntil   time.Time
	paused      bool
	completed   bool
	lastAdvance time.Time
	sagaStarted bool

	now func() time.Time
}

func NewLevelMachine() *LevelMachine {
	return &LevelMachine{now: time.Now}
}

func (m *LevelMachine) Level() int      { return m.level }
func (m *LevelMachine) Paused() bool    { return m.paused }
func (m *LevelMachine) Completed() bool { return m.completed }

func (m *LevelMachine) locked() bool {
	return m.now().Before(m.lockUntil)
}

// CanTick reports whether the one-second clock should run.
func (m *LevelMachine) CanTick() bool {
	return !m.completed && !m.paused && !m.locked()
}

// CanTrade reports whether mutating player actions are allowed. Pause
// blocks trades too, not just the clock.
func (m *LevelMachine) CanTrade() bool {
	return !m.completed && !m.paused && !m.locked()
}

// TimerExpired advances the level, or completes the game on the final one.
func (m *LevelMachine) TimerExpired() AdvanceOutcome {
	return m.advance()
}

// ExplicitAdvance is the user-initiated skip. Same guards as the timer
// path, plus the debounce window.
func (m *LevelMachine) ExplicitAdvance() AdvanceOutcome {
	now := m.now()
	if !m.lastAdvance.IsZero() && now.Sub(m.lastAdvance) < advanceDebounce {
		return AdvanceIgnored
	}
	return m.advance()
}

func (m *LevelMachine) advance() AdvanceOutcome {
	if m.completed || m.paused || m.locked() {
		return AdvanceIgnored
	}
	now := m.now()
	m.lastAdvance = now
	if m.level < FinalLevel {
		m.lockUntil = now.Add(advanceCooldown)
		m.level++
		return AdvanceNextLevel
	}
	m.completed = true
	return AdvanceCompleted
}

// ExplicitComplete forces the terminal state regardless of timer state.
// Returns false if the game was already completed.
func (m *LevelMachine) ExplicitComplete() bool {
	if m.completed {
		return false
	}
	m.completed = true
	return true
}

// RevertToActive undoes a completion judged spurious (no trades before the
// final level). The saga guard is reset with it.
func (m *LevelMachine) RevertToActive() {
	m.completed = false
	m.sagaStarted = false
}

func (m *LevelMachine) Pause()  { m.paused = true }
func (m *LevelMachine) Resume() { m.paused = false }

// BeginSaga claims the one-shot completion saga slot for this terminal
// entry. Repeated terminal-state notifications therefore cannot start a
// second concurrent run.
func (m *LevelMachine) BeginSaga() bool {
	if m.sagaStarted {
		return false
	}
	m.sagaStarted = true
	return true
}

// ResetSaga releases the slot; only called after the saga exhausted its
// retry budget entirely.
func (m *LevelMachine) ResetSaga() {
	m.sagaStarted = false
}
