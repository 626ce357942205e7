package store

import (
	"context"
	"time"
)

// Gateway is the persistence boundary. Implementations must make every
// write idempotent by natural key so saga retries and concurrent
// finalizers converge instead of duplicating rows.
type Gateway interface {
	UpsertSession(ctx context.Context, s GameSession) error
	GetSession(ctx context.Context, id string) (GameSession, error)
	SaveBalance(ctx context.Context, sessionID string, balanceMicros int64) error
	CompleteSession(ctx context.Context, sessionID string, finalBalanceMicros int64, report string, completedAt time.Time) error

	SaveAction(ctx context.Context, a GameAction) error
	ListActions(ctx context.Context, sessionID string) ([]GameAction, error)

	CreateRoom(ctx context.Context, r GameRoom) error
	GetRoom(ctx context.Context, id string) (GameRoom, error)
	ListOpenRooms(ctx context.Context) ([]GameRoom, error)
	SetRoomStatus(ctx context.Context, roomID, status string, endedAt *time.Time) error

	AddRoomPlayer(ctx context.Context, p RoomPlayer) error
	GetRoomPlayer(ctx context.Context, roomID, userID string) (RoomPlayer, error)
	ListRoomPlayers(ctx context.Context, roomID string) ([]RoomPlayer, error)
	SetRoomPlayerStatus(ctx context.Context, roomID, userID, status string, sessionID *string, completedAt *time.Time) error
	ListStalledPlayers(ctx context.Context) ([]RoomPlayer, error)

	UpsertResult(ctx context.Context, r GameResult) error
	ListResults(ctx context.Context, roomID string) ([]GameResult, error)
	SetResultRank(ctx context.Context, roomID, userID string, rank int) error
}
