package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrush/internal/feed"
	"marketrush/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	rooms   []store.GameRoom
	players []store.RoomPlayer
}

func (f *fakeSource) ListOpenRooms(context.Context) ([]store.GameRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.GameRoom(nil), f.rooms...), nil
}

func (f *fakeSource) ListRoomPlayers(_ context.Context, roomID string) ([]store.RoomPlayer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RoomPlayer
	for _, p := range f.players {
		if p.RoomID == roomID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSource) GetRoomPlayer(_ context.Context, roomID, userID string) (store.RoomPlayer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.players {
		if p.RoomID == roomID && p.UserID == userID {
			return p, nil
		}
	}
	return store.RoomPlayer{}, store.ErrNotFound
}

func playerRow(id, userID, status string, at time.Time, extra map[string]any) map[string]any {
	row := map[string]any{
		"id":         id,
		"room_id":    "room-1",
		"user_id":    userID,
		"username":   "u-" + userID,
		"status":     status,
		"updated_at": at.Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		row[k] = v
	}
	return row
}

func newTestReconciler(cfg Config) *Reconciler {
	if cfg.Source == nil {
		cfg.Source = &fakeSource{}
	}
	if cfg.UserID == "" {
		cfg.UserID = "me"
	}
	if cfg.RoomID == "" {
		cfg.RoomID = "room-1"
	}
	return New(cfg)
}

func TestDuplicateInsertsDedupeById(t *testing.T) {
	r := newTestReconciler(Config{})
	at := time.Now()
	ev := feed.Event{Table: "room_players", Type: feed.EventInsert, New: playerRow("rp-1", "ana", store.PlayerJoined, at, nil)}
	r.Apply(ev)
	r.Apply(ev)

	v := r.Snapshot()
	require.Len(t, v.Players, 1)
	assert.Equal(t, "u-ana", v.Players[0].Username)
}

func TestOutOfOrderUpdateNeverRegresses(t *testing.T) {
	r := newTestReconciler(Config{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	r.Apply(feed.Event{Table: "room_players", Type: feed.EventUpdate,
		New: playerRow("rp-1", "ana", store.PlayerInGame, base.Add(2*time.Second), nil)})
	// A delayed older event arrives afterwards.
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventUpdate,
		New: playerRow("rp-1", "ana", store.PlayerJoined, base, nil)})

	v := r.Snapshot()
	require.Len(t, v.Players, 1)
	assert.Equal(t, store.PlayerInGame, v.Players[0].Status)
}

func TestDeleteRemovesPlayer(t *testing.T) {
	r := newTestReconciler(Config{})
	at := time.Now()
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventInsert, New: playerRow("rp-1", "ana", store.PlayerJoined, at, nil)})
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventDelete, Old: map[string]any{"id": "rp-1"}})
	assert.Empty(t, r.Snapshot().Players)
}

func TestMembershipPredicateEvicts(t *testing.T) {
	r := newTestReconciler(Config{})
	base := time.Now()
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventInsert, New: playerRow("rp-1", "ana", store.PlayerJoined, base, nil)})
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventInsert, New: playerRow("rp-2", "ben", store.PlayerJoined, base, nil)})

	// ana leaves; ben gets moved to another room.
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventUpdate, New: playerRow("rp-1", "ana", store.PlayerLeft, base.Add(time.Second), nil)})
	benRow := playerRow("rp-2", "ben", store.PlayerJoined, base.Add(time.Second), map[string]any{"room_id": "room-other"})
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventUpdate, New: benRow})

	assert.Empty(t, r.Snapshot().Players)
}

func TestHandOffFiresOnceWithSessionID(t *testing.T) {
	var got []string
	r := newTestReconciler(Config{OnHandOff: func(sid string) { got = append(got, sid) }})
	base := time.Now()

	row := playerRow("rp-1", "me", store.PlayerInGame, base, map[string]any{"session_id": "sess-42"})
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventUpdate, New: row})
	// Redundant delivery of the same transition.
	row2 := playerRow("rp-1", "me", store.PlayerInGame, base.Add(time.Second), map[string]any{"session_id": "sess-42"})
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventUpdate, New: row2})

	require.Equal(t, []string{"sess-42"}, got)
}

func TestOtherPlayersDoNotHandOff(t *testing.T) {
	fired := false
	r := newTestReconciler(Config{OnHandOff: func(string) { fired = true }})
	row := playerRow("rp-2", "ben", store.PlayerInGame, time.Now(), map[string]any{"session_id": "sess-9"})
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventUpdate, New: row})
	assert.False(t, fired)
}

func TestRoomInsertUpdateDelete(t *testing.T) {
	r := newTestReconciler(Config{})
	now := time.Now()
	roomRow := map[string]any{
		"id": "room-1", "min_players": float64(2), "max_players": float64(4),
		"status": store.RoomOpen, "created_at": now.Format(time.RFC3339Nano),
	}
	r.Apply(feed.Event{Table: "game_rooms", Type: feed.EventInsert, New: roomRow})
	r.Apply(feed.Event{Table: "game_rooms", Type: feed.EventInsert, New: roomRow})
	v := r.Snapshot()
	require.Len(t, v.Rooms, 1)
	assert.Equal(t, 4, v.Rooms[0].MaxPlayers)

	// A completed room drops off the lobby list.
	roomRow["status"] = store.RoomCompleted
	r.Apply(feed.Event{Table: "game_rooms", Type: feed.EventUpdate, New: roomRow})
	assert.Empty(t, r.Snapshot().Rooms)

	roomRow["status"] = store.RoomOpen
	r.Apply(feed.Event{Table: "game_rooms", Type: feed.EventInsert, New: roomRow})
	r.Apply(feed.Event{Table: "game_rooms", Type: feed.EventDelete, Old: map[string]any{"id": "room-1"}})
	assert.Empty(t, r.Snapshot().Rooms)
}

func TestStaleRoomUpdateCannotResurrectCompletedRoom(t *testing.T) {
	r := newTestReconciler(Config{})
	now := time.Now()
	row := func(status string) map[string]any {
		return map[string]any{
			"id": "room-1", "min_players": float64(2), "max_players": float64(4),
			"status": status, "created_at": now.Format(time.RFC3339Nano),
		}
	}

	r.Apply(feed.Event{Table: "game_rooms", Type: feed.EventInsert, New: row(store.RoomOpen)})
	require.Len(t, r.Snapshot().Rooms, 1)

	r.Apply(feed.Event{Table: "game_rooms", Type: feed.EventUpdate, New: row(store.RoomCompleted)})
	require.Empty(t, r.Snapshot().Rooms)

	// A delayed duplicate of the older UPDATE arrives after the terminal
	// one; the lifecycle only moves forward.
	r.Apply(feed.Event{Table: "game_rooms", Type: feed.EventUpdate, New: row(store.RoomOpen)})
	assert.Empty(t, r.Snapshot().Rooms)

	// The room survives a resync as a terminal row, so even later stale
	// events cannot bring it back.
	require.NoError(t, r.Resync(context.Background()))
	r.Apply(feed.Event{Table: "game_rooms", Type: feed.EventUpdate, New: row(store.RoomOpen)})
	assert.Empty(t, r.Snapshot().Rooms)
}

func TestInsertWithoutUsernameBackfills(t *testing.T) {
	src := &fakeSource{players: []store.RoomPlayer{{
		ID: "rp-1", RoomID: "room-1", UserID: "ana", Username: "ana_the_trader",
		Status: store.PlayerJoined, UpdatedAt: time.Now().Add(time.Second),
	}}}
	r := newTestReconciler(Config{Source: src})

	bare := playerRow("rp-1", "ana", store.PlayerJoined, time.Now(), nil)
	delete(bare, "username")
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventInsert, New: bare})

	v := r.Snapshot()
	require.Len(t, v.Players, 1)
	assert.Equal(t, "player", v.Players[0].Username, "placeholder until the backfill lands")

	require.Eventually(t, func() bool {
		v := r.Snapshot()
		return len(v.Players) == 1 && v.Players[0].Username == "ana_the_trader"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResyncNeverRegressesFresherOptimisticState(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{
		rooms: []store.GameRoom{{ID: "room-1", Status: store.RoomInProgress, CreatedAt: base}},
		players: []store.RoomPlayer{{
			ID: "rp-1", RoomID: "room-1", UserID: "me", Username: "u-me",
			Status: store.PlayerJoined, UpdatedAt: base,
		}},
	}
	r := newTestReconciler(Config{Source: src})

	// A live event moved the player forward past what the poll sees.
	sid := "sess-7"
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventUpdate,
		New: playerRow("rp-1", "me", store.PlayerInGame, base.Add(3*time.Second), map[string]any{"session_id": sid})})

	require.NoError(t, r.Resync(context.Background()))
	v := r.Snapshot()
	require.Len(t, v.Players, 1)
	assert.Equal(t, store.PlayerInGame, v.Players[0].Status, "stale poll must not undo the fresher update")
	require.Len(t, v.Rooms, 1)
}

func TestResyncTriggersHandOff(t *testing.T) {
	sid := "sess-88"
	base := time.Now()
	src := &fakeSource{players: []store.RoomPlayer{{
		ID: "rp-1", RoomID: "room-1", UserID: "me", Username: "u-me",
		SessionID: &sid, Status: store.PlayerInGame, UpdatedAt: base,
	}}}
	var got string
	r := newTestReconciler(Config{Source: src, OnHandOff: func(s string) { got = s }})

	require.NoError(t, r.Resync(context.Background()))
	assert.Equal(t, sid, got, "the poll path also detects the in_game transition")
}

func TestOnChangeDeliversSnapshots(t *testing.T) {
	var views []View
	r := newTestReconciler(Config{OnChange: func(v View) { views = append(views, v) }})
	r.Apply(feed.Event{Table: "room_players", Type: feed.EventInsert,
		New: playerRow("rp-1", "ana", store.PlayerJoined, time.Now(), nil)})
	require.NotEmpty(t, views)
	assert.Len(t, views[len(views)-1].Players, 1)
}
