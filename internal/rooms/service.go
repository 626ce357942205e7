package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketrush/internal/engine"
	"marketrush/internal/feed"
	"marketrush/internal/store"
)

var (
	ErrRoomFull         = errors.New("room is full")
	ErrRoomNotJoinable  = errors.New("room is not joinable")
	ErrNotEnoughPlayers = errors.New("not enough players to start")
	ErrBadCapacity      = errors.New("invalid room capacity")
)

const maxRoomCapacity = 16

type Publisher interface {
	Publish(ctx context.Context, ev feed.Event) error
}

// Service owns the room lifecycle: create, join, leave, start. Every
// mutating write is followed by the matching change-feed event so live
// clients converge without polling.
type Service struct {
	gw  store.Gateway
	pub Publisher
	log *slog.Logger
	now func() time.Time
}

func NewService(gw store.Gateway, pub Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gw: gw, pub: pub, log: logger, now: time.Now}
}

func (s *Service) Create(ctx context.Context, minPlayers, maxPlayers int) (store.GameRoom, error) {
	if minPlayers < 1 || maxPlayers < minPlayers || maxPlayers > maxRoomCapacity {
		return store.GameRoom{}, ErrBadCapacity
	}
	room := store.GameRoom{
		ID:         uuid.NewString(),
		MinPlayers: minPlayers,
		MaxPlayers: maxPlayers,
		Status:     store.RoomOpen,
		CreatedAt:  s.now(),
	}
	if err := s.gw.CreateRoom(ctx, room); err != nil {
		return store.GameRoom{}, fmt.Errorf("create room: %w", err)
	}
	s.publish(ctx, feed.Event{Table: "game_rooms", Type: feed.EventInsert, New: roomRow(room)})
	return room, nil
}

// Join adds the user to an open room. Rejoining is a no-op returning the
// existing membership row.
func (s *Service) Join(ctx context.Context, roomID, userID, username string) (store.RoomPlayer, error) {
	if existing, err := s.gw.GetRoomPlayer(ctx, roomID, userID); err == nil && existing.InRoom() {
		return existing, nil
	}

	room, err := s.gw.GetRoom(ctx, roomID)
	if err != nil {
		return store.RoomPlayer{}, err
	}
	if room.Status != store.RoomOpen {
		return store.RoomPlayer{}, ErrRoomNotJoinable
	}
	players, err := s.gw.ListRoomPlayers(ctx, roomID)
	if err != nil {
		return store.RoomPlayer{}, err
	}
	active := 0
	for _, p := range players {
		if p.InRoom() {
			active++
		}
	}
	if active >= room.MaxPlayers {
		return store.RoomPlayer{}, ErrRoomFull
	}

	player := store.RoomPlayer{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Status:    store.PlayerJoined,
		UpdatedAt: s.now(),
	}
	if err := s.gw.AddRoomPlayer(ctx, player); err != nil {
		return store.RoomPlayer{}, fmt.Errorf("add room player: %w", err)
	}
	// A concurrent join may have won the insert; read back the row that
	// actually stuck.
	stored, err := s.gw.GetRoomPlayer(ctx, roomID, userID)
	if err != nil {
		return store.RoomPlayer{}, err
	}
	s.publish(ctx, feed.Event{Table: "room_players", Type: feed.EventInsert, New: playerRow(stored)})
	return stored, nil
}

func (s *Service) Leave(ctx context.Context, roomID, userID string) error {
	if err := s.gw.SetRoomPlayerStatus(ctx, roomID, userID, store.PlayerLeft, nil, nil); err != nil {
		return err
	}
	p, err := s.gw.GetRoomPlayer(ctx, roomID, userID)
	if err != nil {
		return err
	}
	s.publish(ctx, feed.Event{Table: "room_players", Type: feed.EventUpdate, New: playerRow(p)})
	return nil
}

// Start moves the room through preparing into in_progress, creating a
// session per joined player and flipping them to in_game.
func (s *Service) Start(ctx context.Context, roomID string) error {
	room, err := s.gw.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Status != store.RoomOpen {
		return ErrRoomNotJoinable
	}
	players, err := s.gw.ListRoomPlayers(ctx, roomID)
	if err != nil {
		return err
	}
	var joined []store.RoomPlayer
	for _, p := range players {
		if p.Status == store.PlayerJoined {
			joined = append(joined, p)
		}
	}
	if len(joined) < room.MinPlayers {
		return ErrNotEnoughPlayers
	}

	if err := s.setRoomStatus(ctx, roomID, store.RoomPreparing); err != nil {
		return err
	}
	for _, p := range joined {
		sid := uuid.NewString()
		if err := s.gw.UpsertSession(ctx, store.GameSession{
			ID:                    sid,
			UserID:                p.UserID,
			RoomID:                &roomID,
			StartingBalanceMicros: engine.StartingBalanceMicros,
			BalanceMicros:         engine.StartingBalanceMicros,
			CreatedAt:             s.now(),
		}); err != nil {
			return fmt.Errorf("create session for %s: %w", p.UserID, err)
		}
		if err := s.gw.SetRoomPlayerStatus(ctx, roomID, p.UserID, store.PlayerInGame, &sid, nil); err != nil {
			return fmt.Errorf("start player %s: %w", p.UserID, err)
		}
		updated, err := s.gw.GetRoomPlayer(ctx, roomID, p.UserID)
		if err != nil {
			return err
		}
		s.publish(ctx, feed.Event{Table: "room_players", Type: feed.EventUpdate, New: playerRow(updated)})
	}
	return s.setRoomStatus(ctx, roomID, store.RoomInProgress)
}

func (s *Service) ListOpen(ctx context.Context) ([]store.GameRoom, error) {
	return s.gw.ListOpenRooms(ctx)
}

func (s *Service) setRoomStatus(ctx context.Context, roomID, status string) error {
	if err := s.gw.SetRoomStatus(ctx, roomID, status, nil); err != nil {
		return err
	}
	room, err := s.gw.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	s.publish(ctx, feed.Event{Table: "game_rooms", Type: feed.EventUpdate, New: roomRow(room)})
	return nil
}

func (s *Service) publish(ctx context.Context, ev feed.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		// Feed delivery is best-effort; the reconciler's backstop poll
		// picks up whatever the feed drops.
		s.log.Warn("feed publish failed", "table", ev.Table, "row_id", ev.RowID(), "err", err)
	}
}

func roomRow(r store.GameRoom) map[string]any {
	row := map[string]any{
		"id":          r.ID,
		"min_players": r.MinPlayers,
		"max_players": r.MaxPlayers,
		"status":      r.Status,
		"created_at":  r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.EndedAt != nil {
		row["ended_at"] = r.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

func playerRow(p store.RoomPlayer) map[string]any {
	row := map[string]any{
		"id":         p.ID,
		"room_id":    p.RoomID,
		"user_id":    p.UserID,
		"username":   p.Username,
		"status":     p.Status,
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.SessionID != nil {
		row["session_id"] = *p.SessionID
	}
	if p.CompletedAt != nil {
		row["completed_at"] = p.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}
