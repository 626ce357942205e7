package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marketrush/internal/engine"
	"marketrush/internal/feed"
	"marketrush/internal/report"
	"marketrush/internal/retry"
	"marketrush/internal/store"
)

// Publisher is the slice of the feed layer the saga needs.
type Publisher interface {
	Publish(ctx context.Context, ev feed.Event) error
}

// Completion finalizes one player's session: report, session row, room
// player status, result row, room quorum, ranks, leaderboard event.
// Every step writes by natural key, so a retried or concurrent run
// converges on the same rows instead of duplicating them.
type Completion struct {
	gw      store.Gateway
	reports report.Generator
	pub     Publisher
	policy  retry.Policy
	log     *slog.Logger
	now     func() time.Time
}

type Input struct {
	SessionID          string
	UserID             string
	RoomID             *string
	FinalBalanceMicros int64
	// Force marks the explicit "Complete Game" path: the room is closed
	// even if other players have not finished.
	Force bool
}

func NewCompletion(gw store.Gateway, reports report.Generator, pub Publisher, policy retry.Policy, logger *slog.Logger) *Completion {
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Completion{
		gw:      gw,
		reports: reports,
		pub:     pub,
		policy:  policy,
		log:     logger,
		now:     time.Now,
	}
}

// Run executes the whole saga, retrying it as a unit on any failure.
func (c *Completion) Run(ctx context.Context, in Input) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		return c.runOnce(ctx, in)
	})
}

func (c *Completion) runOnce(ctx context.Context, in Input) error {
	actions, err := c.gw.ListActions(ctx, in.SessionID)
	if err != nil {
		return fmt.Errorf("list actions: %w", err)
	}
	text := report.Render(ctx, c.reports, actions)

	finalBalance := c.resolveFinalBalance(in.FinalBalanceMicros, actions)
	if err := c.gw.CompleteSession(ctx, in.SessionID, finalBalance, text, c.now()); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	if in.RoomID == nil {
		return nil
	}
	return c.finalizeRoomPlayer(ctx, *in.RoomID, in.UserID, in.SessionID, finalBalance, in.Force)
}

// resolveFinalBalance guards against a stale balance read: a caller
// reporting exactly the starting constant while the action log shows
// activity is trusted less than the log itself, which reconstructs the
// balance deterministically.
func (c *Completion) resolveFinalBalance(reported int64, actions []store.GameAction) int64 {
	if reported != engine.StartingBalanceMicros || len(actions) == 0 {
		return reported
	}
	replayed := engine.StartingBalanceMicros
	for _, a := range actions {
		switch a.Kind {
		case "buy":
			replayed -= a.UnitPriceMicros * a.Quantity
		case "sell":
			replayed += a.UnitPriceMicros * a.Quantity
		}
	}
	if replayed != reported {
		c.log.Warn("reported balance equals starting constant despite recorded actions, using replayed balance",
			"reported_micros", reported, "replayed_micros", replayed)
	}
	return replayed
}

func (c *Completion) finalizeRoomPlayer(ctx context.Context, roomID, userID, sessionID string, finalBalance int64, force bool) error {
	at := c.now()
	if err := c.gw.SetRoomPlayerStatus(ctx, roomID, userID, store.PlayerCompleted, nil, &at); err != nil {
		return fmt.Errorf("mark player completed: %w", err)
	}

	// The session row's completion timestamp is first-writer-wins, so it
	// is the stable value for rank tie-breaking.
	sess, err := c.gw.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reload session: %w", err)
	}
	completedAt := at
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	if err := c.gw.UpsertResult(ctx, store.GameResult{
		RoomID:             roomID,
		SessionID:          sessionID,
		UserID:             userID,
		FinalBalanceMicros: finalBalance,
		CompletedAt:        completedAt,
	}); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}

	if err := c.settleRoom(ctx, roomID, force); err != nil {
		return err
	}
	return c.publishLeaderboard(ctx, roomID)
}

// settleRoom closes the room once every remaining player has finished
// (or unconditionally on the force path) and recomputes ranks. Ranks are
// re-derived from the result rows on every run; concurrent finalizers
// write the same ordering.
func (c *Completion) settleRoom(ctx context.Context, roomID string, force bool) error {
	players, err := c.gw.ListRoomPlayers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list room players: %w", err)
	}
	allDone := true
	for _, p := range players {
		if p.InRoom() && p.Status != store.PlayerCompleted {
			allDone = false
			break
		}
	}
	if allDone || force {
		at := c.now()
		if err := c.gw.SetRoomStatus(ctx, roomID, store.RoomCompleted, &at); err != nil {
			return fmt.Errorf("complete room: %w", err)
		}
	}

	// Results come back ordered: balance descending, then earliest
	// completion on ties.
	results, err := c.gw.ListResults(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list results: %w", err)
	}
	for i, r := range results {
		if err := c.gw.SetResultRank(ctx, roomID, r.UserID, i+1); err != nil {
			return fmt.Errorf("set rank: %w", err)
		}
	}
	return nil
}

func (c *Completion) publishLeaderboard(ctx context.Context, roomID string) error {
	if c.pub == nil {
		return nil
	}
	err := c.pub.Publish(ctx, feed.Event{
		Table: "game_results",
		Type:  feed.EventUpdate,
		New:   map[string]any{"id": roomID, "room_id": roomID},
	})
	if err != nil {
		// The leaderboard event is advisory; the backstop poll covers a
		// missed publish.
		c.log.Warn("leaderboard publish failed", "room_id", roomID, "err", err)
	}
	return nil
}

// Sweep repairs players left in_game whose session is already finalized,
// then re-runs quorum and rank settlement for their rooms through the
// same idempotent steps.
func (c *Completion) Sweep(ctx context.Context) (int, error) {
	stalled, err := c.gw.ListStalledPlayers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stalled players: %w", err)
	}
	repaired := 0
	for _, p := range stalled {
		if p.SessionID == nil {
			continue
		}
		sess, err := c.gw.GetSession(ctx, *p.SessionID)
		if err != nil {
			c.log.Error("sweep cannot load session", "session_id", *p.SessionID, "err", err)
			continue
		}
		final := sess.BalanceMicros
		if sess.FinalBalanceMicros != nil {
			final = *sess.FinalBalanceMicros
		}
		if err := c.finalizeRoomPlayer(ctx, p.RoomID, p.UserID, *p.SessionID, final, false); err != nil {
			c.log.Error("sweep repair failed", "room_id", p.RoomID, "user_id", p.UserID, "err", err)
			continue
		}
		repaired++
	}
	return repaired, nil
}
