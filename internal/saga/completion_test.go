package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrush/internal/engine"
	"marketrush/internal/feed"
	"marketrush/internal/report"
	"marketrush/internal/retry"
	"marketrush/internal/store"
)

type staticReports struct {
	text string
	err  error
}

func (r staticReports) Generate(context.Context, []store.GameAction) (string, error) {
	return r.text, r.err
}

type recordingPub struct {
	events []feed.Event
}

func (p *recordingPub) Publish(_ context.Context, ev feed.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func newCompletion(gw store.Gateway, gen report.Generator, pub Publisher) *Completion {
	return NewCompletion(gw, gen, pub, fastPolicy(), nil)
}

// seedRoom creates an in_progress room with one in_game player and
// session per user.
func seedRoom(t *testing.T, m *store.Memory, roomID string, users ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.CreateRoom(ctx, store.GameRoom{
		ID: roomID, MinPlayers: 2, MaxPlayers: 8, Status: store.RoomInProgress, CreatedAt: time.Now(),
	}))
	for i, user := range users {
		sid := "sess-" + user
		require.NoError(t, m.UpsertSession(ctx, store.GameSession{
			ID: sid, UserID: user, RoomID: &roomID,
			StartingBalanceMicros: engine.StartingBalanceMicros,
			BalanceMicros:         engine.StartingBalanceMicros,
			CreatedAt:             time.Now(),
		}))
		require.NoError(t, m.AddRoomPlayer(ctx, store.RoomPlayer{
			ID: fmt.Sprintf("rp-%d", i), RoomID: roomID, UserID: user, Username: user,
			SessionID: &sid, Status: store.PlayerInGame, UpdatedAt: time.Now(),
		}))
	}
}

func TestDoubleRunProducesOneResultAndOneRankSet(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedRoom(t, m, "room-1", "ana")
	roomID := "room-1"
	c := newCompletion(m, staticReports{text: "solid run"}, nil)

	in := Input{SessionID: "sess-ana", UserID: "ana", RoomID: &roomID, FinalBalanceMicros: 9_000}
	require.NoError(t, c.Run(ctx, in))
	require.NoError(t, c.Run(ctx, in))

	results, err := m.ListResults(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Rank)
	assert.Equal(t, 1, *results[0].Rank)

	sess, err := m.GetSession(ctx, "sess-ana")
	require.NoError(t, err)
	require.NotNil(t, sess.Report)
	assert.Equal(t, "solid run", *sess.Report)
}

func TestReportFailureStillCompletesWithFallback(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.UpsertSession(ctx, store.GameSession{ID: "sess-solo", UserID: "ana"}))
	c := newCompletion(m, staticReports{err: errors.New("report service down")}, nil)

	require.NoError(t, c.Run(ctx, Input{SessionID: "sess-solo", UserID: "ana", FinalBalanceMicros: 11_000}))

	sess, err := m.GetSession(ctx, "sess-solo")
	require.NoError(t, err)
	require.NotNil(t, sess.CompletedAt, "completion timestamp persisted despite report failure")
	require.NotNil(t, sess.Report)
	assert.Equal(t, report.Fallback, *sess.Report)
}

func TestThreePlayerQuorumAndRanks(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedRoom(t, m, "room-q", "ana", "ben", "cleo")
	roomID := "room-q"
	pub := &recordingPub{}
	c := newCompletion(m, staticReports{text: "ok"}, pub)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	c.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	// ben and cleo finish on the same balance; ben finishes first and
	// wins the tie. ana trails on balance.
	require.NoError(t, c.Run(ctx, Input{SessionID: "sess-ben", UserID: "ben", RoomID: &roomID, FinalBalanceMicros: 15_000}))
	room, err := m.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, store.RoomInProgress, room.Status, "quorum not reached yet")

	require.NoError(t, c.Run(ctx, Input{SessionID: "sess-cleo", UserID: "cleo", RoomID: &roomID, FinalBalanceMicros: 15_000}))
	require.NoError(t, c.Run(ctx, Input{SessionID: "sess-ana", UserID: "ana", RoomID: &roomID, FinalBalanceMicros: 9_000}))

	room, err = m.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, store.RoomCompleted, room.Status)
	require.NotNil(t, room.EndedAt)

	results, err := m.ListResults(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	byUser := map[string]int{}
	for _, r := range results {
		require.NotNil(t, r.Rank)
		byUser[r.UserID] = *r.Rank
	}
	assert.Equal(t, 1, byUser["ben"])
	assert.Equal(t, 2, byUser["cleo"])
	assert.Equal(t, 3, byUser["ana"])

	assert.NotEmpty(t, pub.events)
	assert.Equal(t, "game_results", pub.events[len(pub.events)-1].Table)
}

func TestLeftPlayersDoNotBlockQuorum(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedRoom(t, m, "room-l", "ana", "ben")
	roomID := "room-l"
	require.NoError(t, m.SetRoomPlayerStatus(ctx, roomID, "ben", store.PlayerLeft, nil, nil))

	c := newCompletion(m, staticReports{text: "ok"}, nil)
	require.NoError(t, c.Run(ctx, Input{SessionID: "sess-ana", UserID: "ana", RoomID: &roomID, FinalBalanceMicros: 10_500}))

	room, err := m.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, store.RoomCompleted, room.Status)
}

func TestForceCompletesRoomBeforeQuorum(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedRoom(t, m, "room-f", "ana", "ben")
	roomID := "room-f"

	c := newCompletion(m, staticReports{text: "ok"}, nil)
	require.NoError(t, c.Run(ctx, Input{SessionID: "sess-ana", UserID: "ana", RoomID: &roomID, FinalBalanceMicros: 12_000, Force: true}))

	room, err := m.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, store.RoomCompleted, room.Status)
}

type flakyGateway struct {
	store.Gateway
	completeCalls int
}

func (g *flakyGateway) CompleteSession(ctx context.Context, sessionID string, finalBalanceMicros int64, report string, completedAt time.Time) error {
	g.completeCalls++
	return errors.New("store unreachable")
}

func TestRetryExhaustionSurfacesError(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.UpsertSession(ctx, store.GameSession{ID: "sess-x", UserID: "ana"}))
	gw := &flakyGateway{Gateway: m}
	c := newCompletion(gw, staticReports{text: "ok"}, nil)

	err := c.Run(ctx, Input{SessionID: "sess-x", UserID: "ana", FinalBalanceMicros: 10_000})
	require.Error(t, err)
	assert.Equal(t, 3, gw.completeCalls, "whole saga retried three times")
}

func TestStartingBalanceHazardUsesReplayedBalance(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.UpsertSession(ctx, store.GameSession{ID: "sess-h", UserID: "ana"}))
	// One recorded buy; a reader claiming exactly the starting constant
	// must lose to the action log.
	require.NoError(t, m.SaveAction(ctx, store.GameAction{
		ID: "act-1", SessionID: "sess-h", Stock: "NIMBUS", Kind: "buy",
		UnitPriceMicros: engine.CreditsToMicros(50), Quantity: 10, At: time.Now(),
	}))
	c := newCompletion(m, staticReports{text: "ok"}, nil)

	require.NoError(t, c.Run(ctx, Input{SessionID: "sess-h", UserID: "ana", FinalBalanceMicros: engine.StartingBalanceMicros}))

	sess, err := m.GetSession(ctx, "sess-h")
	require.NoError(t, err)
	require.NotNil(t, sess.FinalBalanceMicros)
	assert.Equal(t, engine.StartingBalanceMicros-engine.CreditsToMicros(500), *sess.FinalBalanceMicros)
}

func TestSweepRepairsStragglers(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedRoom(t, m, "room-s", "ana")
	// Session finalized, but the player row was left in_game by a
	// crashed client.
	require.NoError(t, m.CompleteSession(ctx, "sess-ana", 13_000, "ok", time.Now()))

	c := newCompletion(m, staticReports{text: "ok"}, nil)
	repaired, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	p, err := m.GetRoomPlayer(ctx, "room-s", "ana")
	require.NoError(t, err)
	assert.Equal(t, store.PlayerCompleted, p.Status)

	room, err := m.GetRoom(ctx, "room-s")
	require.NoError(t, err)
	assert.Equal(t, store.RoomCompleted, room.Status)

	results, err := m.ListResults(ctx, "room-s")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(13_000), results[0].FinalBalanceMicros)

	// Second sweep finds nothing left to repair.
	repaired, err = c.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}
