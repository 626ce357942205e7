package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuplicateResultInsertsCollapse(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	res := GameResult{
		RoomID:             "room-1",
		SessionID:          "sess-1",
		UserID:             "user-1",
		FinalBalanceMicros: 12_345,
		CompletedAt:        time.Now(),
	}
	require.NoError(t, m.UpsertResult(ctx, res))

	// A retried saga step lands again with a different balance; the
	// first row stays.
	res.FinalBalanceMicros = 99_999
	require.NoError(t, m.UpsertResult(ctx, res))

	list, err := m.ListResults(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(12_345), list[0].FinalBalanceMicros)
}

func TestCompleteSessionFirstTimestampWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.UpsertSession(ctx, GameSession{ID: "sess-1", UserID: "user-1"}))

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, m.CompleteSession(ctx, "sess-1", 500, "report", first))
	require.NoError(t, m.CompleteSession(ctx, "sess-1", 500, "report", first.Add(time.Minute)))

	s, err := m.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, first, *s.CompletedAt)
	assert.True(t, s.Completed())
}

func TestDuplicateActionSavesCollapse(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := GameAction{ID: "act-1", SessionID: "sess-1", Stock: "NIMBUS", Kind: "buy", Quantity: 2, At: time.Now()}
	require.NoError(t, m.SaveAction(ctx, a))
	require.NoError(t, m.SaveAction(ctx, a))

	list, err := m.ListActions(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRoomPlayerJoinDedupeAndStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateRoom(ctx, GameRoom{ID: "room-1", MinPlayers: 2, MaxPlayers: 4, Status: RoomOpen, CreatedAt: time.Now()}))

	rp := RoomPlayer{ID: "rp-1", RoomID: "room-1", UserID: "user-1", Username: "ana", Status: PlayerJoined}
	require.NoError(t, m.AddRoomPlayer(ctx, rp))
	rp.ID = "rp-dup"
	require.NoError(t, m.AddRoomPlayer(ctx, rp))

	players, err := m.ListRoomPlayers(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, "rp-1", players[0].ID)

	sid := "sess-1"
	require.NoError(t, m.SetRoomPlayerStatus(ctx, "room-1", "user-1", PlayerInGame, &sid, nil))
	got, err := m.GetRoomPlayer(ctx, "room-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, PlayerInGame, got.Status)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "sess-1", *got.SessionID)
}

func TestListStalledPlayersFindsInGameWithFinalizedSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sid := "sess-1"
	require.NoError(t, m.UpsertSession(ctx, GameSession{ID: sid, UserID: "user-1"}))
	require.NoError(t, m.AddRoomPlayer(ctx, RoomPlayer{ID: "rp-1", RoomID: "room-1", UserID: "user-1", SessionID: &sid, Status: PlayerInGame}))

	stalled, err := m.ListStalledPlayers(ctx)
	require.NoError(t, err)
	assert.Empty(t, stalled, "session not finalized yet")

	require.NoError(t, m.CompleteSession(ctx, sid, 100, "r", time.Now()))
	stalled, err = m.ListStalledPlayers(ctx)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "user-1", stalled[0].UserID)
}

func TestResultsOrderedByBalanceThenCompletion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, m.UpsertResult(ctx, GameResult{RoomID: "r", UserID: "a", FinalBalanceMicros: 100, CompletedAt: base.Add(time.Minute)}))
	require.NoError(t, m.UpsertResult(ctx, GameResult{RoomID: "r", UserID: "b", FinalBalanceMicros: 200, CompletedAt: base}))
	require.NoError(t, m.UpsertResult(ctx, GameResult{RoomID: "r", UserID: "c", FinalBalanceMicros: 100, CompletedAt: base}))

	list, err := m.ListResults(ctx, "r")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "b", list[0].UserID)
	assert.Equal(t, "c", list[1].UserID, "equal balances break ties on earlier completion")
	assert.Equal(t, "a", list[2].UserID)
}
