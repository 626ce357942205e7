package store

import (
	"errors"
	"time"
)

// Room lifecycle. Forward-only, except preparing and in_progress may
// interleave while the start sequence assigns sessions.
const (
	RoomOpen       = "open"
	RoomPreparing  = "preparing"
	RoomInProgress = "in_progress"
	RoomCompleted  = "completed"
)

// Player status within a room. joined -> in_game -> completed is
// monotonic; left is terminal from any state.
const (
	PlayerJoined    = "joined"
	PlayerInGame    = "in_game"
	PlayerCompleted = "completed"
	PlayerLeft      = "left"
)

var ErrNotFound = errors.New("record not found")

type GameSession struct {
	ID                    string
	UserID                string
	RoomID                *string
	StartingBalanceMicros int64
	BalanceMicros         int64
	FinalBalanceMicros    *int64
	Report                *string
	CompletedAt           *time.Time
	CreatedAt             time.Time
}

// Completed reports whether the session has been finalized.
func (s GameSession) Completed() bool { return s.CompletedAt != nil }

type GameAction struct {
	ID              string
	SessionID       string
	Level           int
	Stock           string
	Kind            string
	UnitPriceMicros int64
	Quantity        int64
	AvgCostMicros   int64
	QuantityAfter   int64
	At              time.Time
}

type GameRoom struct {
	ID         string
	MinPlayers int
	MaxPlayers int
	Status     string
	CreatedAt  time.Time
	EndedAt    *time.Time
}

type RoomPlayer struct {
	ID          string
	RoomID      string
	UserID      string
	Username    string
	SessionID   *string
	Status      string
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// InRoom reports whether the player still counts toward the room quorum.
func (p RoomPlayer) InRoom() bool { return p.Status != PlayerLeft }

type GameResult struct {
	RoomID             string
	SessionID          string
	UserID             string
	FinalBalanceMicros int64
	Rank               *int
	CompletedAt        time.Time
}
