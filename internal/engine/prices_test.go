package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marketFixture(schedule Schedule) *Simulation {
	return NewSimulation([]StockInit{
		{Name: "NIMBUS", PriceMicros: CreditsToMicros(100)},
		{Name: "COBALT", PriceMicros: CreditsToMicros(40)},
	}, schedule, nil)
}

func TestScheduledEntriesFireOnce(t *testing.T) {
	s := marketFixture(Schedule{
		0: {{Stock: "NIMBUS", TargetMicros: CreditsToMicros(110), AtSecond: 2}},
	})

	assert.Empty(t, s.Tick())
	updated := s.Tick()
	require.Equal(t, []string{"NIMBUS"}, updated)
	price, err := s.Price("NIMBUS")
	require.NoError(t, err)
	assert.Equal(t, CreditsToMicros(110), price)

	// Already fired; later ticks must not re-apply it.
	for i := 0; i < 5; i++ {
		assert.Empty(t, s.Tick())
	}
}

func TestSameInstantEntriesLastWriteWins(t *testing.T) {
	s := marketFixture(Schedule{
		0: {
			{Stock: "COBALT", TargetMicros: CreditsToMicros(42), AtSecond: 1},
			{Stock: "COBALT", TargetMicros: CreditsToMicros(55), AtSecond: 1},
		},
	})
	s.Tick()
	price, err := s.Price("COBALT")
	require.NoError(t, err)
	assert.Equal(t, CreditsToMicros(55), price)
}

func TestLevelEntryResetsFiredFlagsAndOpenPrices(t *testing.T) {
	s := marketFixture(Schedule{
		0: {{Stock: "NIMBUS", TargetMicros: CreditsToMicros(130), AtSecond: 1}},
		1: {{Stock: "NIMBUS", TargetMicros: CreditsToMicros(90), AtSecond: 1}},
	})
	s.Tick()

	s.EnterLevel(1)
	assert.Equal(t, 0, s.Elapsed())
	perf, err := s.Performance("NIMBUS")
	require.NoError(t, err)
	assert.Zero(t, perf, "performance is measured against the level opening price")

	s.Tick()
	perf, err = s.Performance("NIMBUS")
	require.NoError(t, err)
	assert.InDelta(t, -30.77, perf, 0.01)

	// Re-entering the same level must allow the entry to fire again from
	// a clean slate rather than carrying stale fired flags.
	s.EnterLevel(1)
	assert.Equal(t, []string{"NIMBUS"}, s.Tick())
}

func TestHistoryAppendsPreviousPrice(t *testing.T) {
	s := marketFixture(Schedule{
		0: {
			{Stock: "NIMBUS", TargetMicros: CreditsToMicros(105), AtSecond: 1},
			{Stock: "NIMBUS", TargetMicros: CreditsToMicros(98), AtSecond: 2},
		},
	})
	s.Tick()
	s.Tick()

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	nimbus := snap[0]
	assert.Equal(t, "NIMBUS", nimbus.Name)
	assert.Equal(t, []int64{CreditsToMicros(100), CreditsToMicros(105)}, nimbus.History)
	assert.Equal(t, CreditsToMicros(105), nimbus.PrevPriceMicros)
}

func TestUnknownStock(t *testing.T) {
	s := marketFixture(nil)
	_, err := s.Price("GHOSTS")
	assert.ErrorIs(t, err, ErrStockNotFound)
	_, err = s.Performance("GHOSTS")
	assert.ErrorIs(t, err, ErrStockNotFound)
}

func TestStockUpdateCallbackFires(t *testing.T) {
	var seen []string
	s := NewSimulation(
		[]StockInit{{Name: "NIMBUS", PriceMicros: CreditsToMicros(100)}},
		Schedule{0: {{Stock: "NIMBUS", TargetMicros: CreditsToMicros(101), AtSecond: 1}}},
		func(name string) { seen = append(seen, name) },
	)
	s.Tick()
	assert.Equal(t, []string{"NIMBUS"}, seen)
}
