package rooms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrush/internal/feed"
	"marketrush/internal/store"
)

type recordingPub struct {
	events []feed.Event
}

func (p *recordingPub) Publish(_ context.Context, ev feed.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func newService() (*Service, *store.Memory, *recordingPub) {
	m := store.NewMemory()
	pub := &recordingPub{}
	return NewService(m, pub, nil), m, pub
}

func TestCreateValidatesCapacity(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService()

	_, err := s.Create(ctx, 0, 4)
	assert.ErrorIs(t, err, ErrBadCapacity)
	_, err = s.Create(ctx, 4, 2)
	assert.ErrorIs(t, err, ErrBadCapacity)
	_, err = s.Create(ctx, 2, 100)
	assert.ErrorIs(t, err, ErrBadCapacity)

	room, err := s.Create(ctx, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, store.RoomOpen, room.Status)
}

func TestJoinDedupeAndFull(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService()
	room, err := s.Create(ctx, 1, 2)
	require.NoError(t, err)

	first, err := s.Join(ctx, room.ID, "ana", "ana")
	require.NoError(t, err)
	again, err := s.Join(ctx, room.ID, "ana", "ana")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "rejoin returns the existing membership")

	_, err = s.Join(ctx, room.ID, "ben", "ben")
	require.NoError(t, err)
	_, err = s.Join(ctx, room.ID, "cleo", "cleo")
	assert.ErrorIs(t, err, ErrRoomFull)
}

func TestStartRequiresQuorumAndAssignsSessions(t *testing.T) {
	ctx := context.Background()
	s, m, pub := newService()
	room, err := s.Create(ctx, 2, 4)
	require.NoError(t, err)
	_, err = s.Join(ctx, room.ID, "ana", "ana")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Start(ctx, room.ID), ErrNotEnoughPlayers)

	_, err = s.Join(ctx, room.ID, "ben", "ben")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, room.ID))

	got, err := m.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RoomInProgress, got.Status)

	players, err := m.ListRoomPlayers(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, players, 2)
	for _, p := range players {
		assert.Equal(t, store.PlayerInGame, p.Status)
		require.NotNil(t, p.SessionID)
		sess, err := m.GetSession(ctx, *p.SessionID)
		require.NoError(t, err)
		assert.Equal(t, p.UserID, sess.UserID)
	}

	// Starting twice is rejected; the room already moved on.
	assert.ErrorIs(t, s.Start(ctx, room.ID), ErrRoomNotJoinable)

	var playerUpdates int
	for _, ev := range pub.events {
		if ev.Table == "room_players" && ev.Type == feed.EventUpdate {
			playerUpdates++
		}
	}
	assert.Equal(t, 2, playerUpdates, "each player's in_game flip reaches the feed")
}

func TestLeaveIsTerminalAndJoinAfterStartRejected(t *testing.T) {
	ctx := context.Background()
	s, m, _ := newService()
	room, err := s.Create(ctx, 1, 4)
	require.NoError(t, err)
	_, err = s.Join(ctx, room.ID, "ana", "ana")
	require.NoError(t, err)

	require.NoError(t, s.Leave(ctx, room.ID, "ana"))
	p, err := m.GetRoomPlayer(ctx, room.ID, "ana")
	require.NoError(t, err)
	assert.Equal(t, store.PlayerLeft, p.Status)

	_, err = s.Join(ctx, room.ID, "ben", "ben")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, room.ID))
	_, err = s.Join(ctx, room.ID, "cleo", "cleo")
	assert.ErrorIs(t, err, ErrRoomNotJoinable)
}
