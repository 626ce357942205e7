package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"marketrush/internal/retry"
)

// Persister is the slice of the persistence gateway the runtime needs for
// best-effort trade and balance writes.
type Persister interface {
	SaveAction(ctx context.Context, sessionID string, a Action) error
	SaveBalance(ctx context.Context, sessionID string, balanceMicros int64) error
}

type CompletionState string

const (
	CompletionNone    CompletionState = ""
	CompletionRunning CompletionState = "finalizing"
	CompletionDone    CompletionState = "completed"
	// CompletionLocal means the player's view is final but the backing
	// store may still be behind (saga failed or has not confirmed yet).
	CompletionLocal CompletionState = "completed_local"
)

var ErrRuntimeClosed = errors.New("session runtime closed")

type Config struct {
	SessionID    string
	LevelSeconds int
	Stocks       []StockInit
	Schedule     Schedule

	// Persist is optional; nil disables write-behind persistence.
	Persist Persister
	// Complete runs the completion saga. force marks the final-level
	// "complete game" path for the room quorum check.
	Complete func(ctx context.Context, force bool) error

	OnStockUpdated func(name string)
	OnCompleted    func(local bool)

	SafetyTimeout time.Duration
	RetryPolicy   retry.Policy
	Logger        *slog.Logger
}

type State struct {
	Level          int
	ElapsedSeconds int
	LevelSeconds   int
	Paused         bool
	Completed      bool
	Completion     CompletionState
	BalanceMicros  int64
	Stocks         []Stock
	Holdings       map[string]Holding
	ActionCount    int
}

// Runtime is the cooperative event loop for one player's session: a
// one-second clock, user commands, the saga hand-off and the safety
// timeout all land on a single goroutine, so the engine state needs no
// locking.
type Runtime struct {
	cfg    Config
	log    *slog.Logger
	sim    *Simulation
	ledger *Ledger
	levels *LevelMachine

	completion CompletionState
	cmds       chan func()
	sagaDone   chan error
	safety     <-chan time.Time

	ctx       context.Context
	closeOnce sync.Once
	closed    chan struct{}
}

func NewRuntime(cfg Config) *Runtime {
	if cfg.LevelSeconds <= 0 {
		cfg.LevelSeconds = 60
	}
	if cfg.SafetyTimeout <= 0 {
		cfg.SafetyTimeout = 12 * time.Second
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Runtime{
		cfg:      cfg,
		log:      cfg.Logger,
		ledger:   NewLedger(StartingBalanceMicros),
		levels:   NewLevelMachine(),
		cmds:     make(chan func()),
		sagaDone: make(chan error, 1),
		closed:   make(chan struct{}),
	}
	r.sim = NewSimulation(cfg.Stocks, cfg.Schedule, cfg.OnStockUpdated)
	return r
}

// Run drives the loop until the context is cancelled or Close is called.
func (r *Runtime) Run(ctx context.Context) {
	r.ctx = ctx
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closed:
			return
		case fn := <-r.cmds:
			fn()
		case <-ticker.C:
			r.tick()
		case err := <-r.sagaDone:
			r.onSagaDone(err)
		case <-r.safety:
			r.safety = nil
			if r.completion == CompletionRunning {
				r.log.Warn("completion confirmation timed out, forcing local view", "session_id", r.cfg.SessionID)
				r.completion = CompletionLocal
				if r.cfg.OnCompleted != nil {
					r.cfg.OnCompleted(true)
				}
			}
		}
	}
}

// Close tears down timers and stops the loop. Used when the owning screen
// goes away.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

func (r *Runtime) tick() {
	if !r.levels.CanTick() {
		return
	}
	r.sim.Tick()
	if r.sim.Elapsed() >= r.cfg.LevelSeconds {
		r.applyAdvance(r.levels.TimerExpired(), false)
	}
}

func (r *Runtime) applyAdvance(outcome AdvanceOutcome, force bool) {
	switch outcome {
	case AdvanceNextLevel:
		r.sim.EnterLevel(r.levels.Level())
	case AdvanceCompleted:
		r.startCompletion(force)
	}
}

func (r *Runtime) startCompletion(force bool) {
	// A completion with no trades before the final level is spurious.
	if r.ledger.ActionCount() == 0 && r.levels.Level() < FinalLevel {
		r.log.Warn("spurious completion reverted", "session_id", r.cfg.SessionID, "level", r.levels.Level())
		r.levels.RevertToActive()
		return
	}
	if !r.levels.BeginSaga() {
		return
	}
	r.completion = CompletionRunning
	r.safety = time.After(r.cfg.SafetyTimeout)
	if r.cfg.Complete == nil {
		r.sagaDone <- nil
		return
	}
	ctx := r.ctx
	go func() {
		r.sagaDone <- r.cfg.Complete(ctx, force)
	}()
}

func (r *Runtime) onSagaDone(err error) {
	r.safety = nil
	if err != nil {
		// The store may be behind; the player still sees their own
		// locally held result. The background sweep repairs the rest.
		r.log.Error("completion saga failed, results guaranteed locally only", "session_id", r.cfg.SessionID, "err", err)
		r.levels.ResetSaga()
		r.completion = CompletionLocal
		if r.cfg.OnCompleted != nil {
			r.cfg.OnCompleted(true)
		}
		return
	}
	r.completion = CompletionDone
	if r.cfg.OnCompleted != nil {
		r.cfg.OnCompleted(false)
	}
}

func (r *Runtime) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.cmds <- func() { fn(); close(done) }:
	case <-r.closed:
		return ErrRuntimeClosed
	}
	<-done
	return nil
}

// Buy executes a market buy at the current simulated price.
func (r *Runtime) Buy(stock string, qty int64) (Action, error) {
	var act Action
	var err error
	if derr := r.do(func() { act, err = r.trade(ActionBuy, stock, qty) }); derr != nil {
		return Action{}, derr
	}
	return act, err
}

// Sell executes a market sell at the current simulated price.
func (r *Runtime) Sell(stock string, qty int64) (Action, error) {
	var act Action
	var err error
	if derr := r.do(func() { act, err = r.trade(ActionSell, stock, qty) }); derr != nil {
		return Action{}, derr
	}
	return act, err
}

func (r *Runtime) trade(kind ActionKind, stock string, qty int64) (Action, error) {
	if r.levels.Completed() {
		return Action{}, ErrCompleted
	}
	if !r.levels.CanTrade() {
		return Action{}, ErrPaused
	}
	price, err := r.sim.Price(stock)
	if err != nil {
		return Action{}, err
	}
	var act Action
	if kind == ActionBuy {
		act, err = r.ledger.Buy(r.levels.Level(), stock, price, qty)
	} else {
		act, err = r.ledger.Sell(r.levels.Level(), stock, price, qty)
	}
	if err != nil {
		return Action{}, err
	}
	r.persistTrade(act, r.ledger.BalanceMicros())
	return act, nil
}

// persistTrade writes the action and balance behind the game: the in-memory
// state stays authoritative even when the store lags or fails.
func (r *Runtime) persistTrade(act Action, balanceMicros int64) {
	if r.cfg.Persist == nil {
		return
	}
	ctx := r.ctx
	go func() {
		err := r.cfg.RetryPolicy.Do(ctx, func(ctx context.Context) error {
			if err := r.cfg.Persist.SaveAction(ctx, r.cfg.SessionID, act); err != nil {
				return err
			}
			return r.cfg.Persist.SaveBalance(ctx, r.cfg.SessionID, balanceMicros)
		})
		if err != nil {
			r.log.Error("trade persistence failed", "session_id", r.cfg.SessionID, "action_id", act.ID, "err", err)
		}
	}()
}

// Advance is the user-initiated level skip.
func (r *Runtime) Advance() error {
	return r.do(func() { r.applyAdvance(r.levels.ExplicitAdvance(), false) })
}

// Complete is the final-level "Complete Game" action.
func (r *Runtime) Complete() error {
	return r.do(func() {
		if r.levels.ExplicitComplete() {
			r.startCompletion(true)
		}
	})
}

func (r *Runtime) Pause() error  { return r.do(r.levels.Pause) }
func (r *Runtime) Resume() error { return r.do(r.levels.Resume) }

func (r *Runtime) Snapshot() (State, error) {
	var st State
	err := r.do(func() {
		st = State{
			Level:          r.levels.Level(),
			ElapsedSeconds: r.sim.Elapsed(),
			LevelSeconds:   r.cfg.LevelSeconds,
			Paused:         r.levels.Paused(),
			Completed:      r.levels.Completed(),
			Completion:     r.completion,
			BalanceMicros:  r.ledger.BalanceMicros(),
			Stocks:         r.sim.Snapshot(),
			Holdings:       r.ledger.Holdings(),
			ActionCount:    r.ledger.ActionCount(),
		}
	})
	return st, err
}

// Actions returns a copy of the ordered trade log.
func (r *Runtime) Actions() ([]Action, error) {
	var out []Action
	err := r.do(func() { out = r.ledger.Actions() })
	return out, err
}
