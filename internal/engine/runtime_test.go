package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePersister struct {
	mu       sync.Mutex
	actions  []Action
	balances []int64
	fail     bool
}

func (p *capturePersister) SaveAction(_ context.Context, _ string, a Action) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("store down")
	}
	p.actions = append(p.actions, a)
	return nil
}

func (p *capturePersister) SaveBalance(_ context.Context, _ string, balanceMicros int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("store down")
	}
	p.balances = append(p.balances, balanceMicros)
	return nil
}

func startRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	if cfg.SessionID == "" {
		cfg.SessionID = "sess-test"
	}
	if cfg.Stocks == nil {
		cfg.Stocks = []StockInit{{Name: "NIMBUS", PriceMicros: CreditsToMicros(50)}}
	}
	r := NewRuntime(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r
}

func TestRuntimeTradeUpdatesStateAndPersists(t *testing.T) {
	persist := &capturePersister{}
	r := startRuntime(t, Config{Persist: persist})

	act, err := r.Buy("NIMBUS", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), act.QuantityAfter)

	st, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, CreditsToMicros(9_500), st.BalanceMicros)
	assert.Equal(t, int64(10), st.Holdings["NIMBUS"].Quantity)

	require.Eventually(t, func() bool {
		persist.mu.Lock()
		defer persist.mu.Unlock()
		return len(persist.actions) == 1 && len(persist.balances) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRuntimeTradeFailuresLeaveStateUntouched(t *testing.T) {
	r := startRuntime(t, Config{})

	_, err := r.Sell("NIMBUS", 1)
	assert.ErrorIs(t, err, ErrInsufficientShares)
	_, err = r.Buy("GHOSTS", 1)
	assert.ErrorIs(t, err, ErrStockNotFound)

	st, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, StartingBalanceMicros, st.BalanceMicros)
	assert.Zero(t, st.ActionCount)
}

func TestRuntimePauseBlocksTrades(t *testing.T) {
	r := startRuntime(t, Config{})
	require.NoError(t, r.Pause())
	_, err := r.Buy("NIMBUS", 1)
	assert.ErrorIs(t, err, ErrPaused)

	require.NoError(t, r.Resume())
	_, err = r.Buy("NIMBUS", 1)
	assert.NoError(t, err)
}

func TestRuntimeCompletionRunsSagaOnce(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	forced := false
	completed := make(chan bool, 4)

	r := startRuntime(t, Config{
		Complete: func(_ context.Context, force bool) error {
			mu.Lock()
			runs++
			forced = force
			mu.Unlock()
			return nil
		},
		OnCompleted: func(local bool) { completed <- local },
	})

	_, err := r.Buy("NIMBUS", 1)
	require.NoError(t, err)
	require.NoError(t, r.Complete())
	require.NoError(t, r.Complete())

	select {
	case local := <-completed:
		assert.False(t, local)
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}

	st, err := r.Snapshot()
	require.NoError(t, err)
	assert.True(t, st.Completed)
	assert.Equal(t, CompletionDone, st.Completion)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
	assert.True(t, forced, "explicit complete drives the force path")
}

func TestRuntimeSpuriousCompletionReverted(t *testing.T) {
	r := startRuntime(t, Config{
		Complete: func(context.Context, bool) error {
			t.Error("saga must not run for a spurious completion")
			return nil
		},
	})

	// No trades ever, level below final: treated as spurious.
	require.NoError(t, r.Complete())
	st, err := r.Snapshot()
	require.NoError(t, err)
	assert.False(t, st.Completed)
	assert.Equal(t, CompletionNone, st.Completion)

	// Gameplay continues normally afterwards.
	_, err = r.Buy("NIMBUS", 2)
	assert.NoError(t, err)
}

func TestRuntimeSagaFailureDegradesToLocalView(t *testing.T) {
	completed := make(chan bool, 1)
	r := startRuntime(t, Config{
		Complete:    func(context.Context, bool) error { return errors.New("store unreachable") },
		OnCompleted: func(local bool) { completed <- local },
	})

	_, err := r.Buy("NIMBUS", 1)
	require.NoError(t, err)
	require.NoError(t, r.Complete())

	select {
	case local := <-completed:
		assert.True(t, local, "player still sees completion from locally held truth")
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}
	st, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, CompletionLocal, st.Completion)
}
