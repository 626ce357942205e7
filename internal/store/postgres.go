package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Gateway against the pgx pool. All idempotency is
// pushed into SQL: ON CONFLICT on the natural key of each table.
type Postgres struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewPostgres(db *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, log: logger}
}

func (p *Postgres) UpsertSession(ctx context.Context, s GameSession) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO game_sessions (id, user_id, room_id, starting_balance_micros, balance_micros, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.UserID, s.RoomID, s.StartingBalanceMicros, s.BalanceMicros, s.CreatedAt)
	return err
}

func (p *Postgres) GetSession(ctx context.Context, id string) (GameSession, error) {
	var s GameSession
	err := p.db.QueryRow(ctx, `
		SELECT id, user_id, room_id, starting_balance_micros, balance_micros,
		       final_balance_micros, report, completed_at, created_at
		FROM game_sessions
		WHERE id = $1
	`, id).Scan(&s.ID, &s.UserID, &s.RoomID, &s.StartingBalanceMicros, &s.BalanceMicros,
		&s.FinalBalanceMicros, &s.Report, &s.CompletedAt, &s.CreatedAt)
	if err == pgx.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (p *Postgres) SaveBalance(ctx context.Context, sessionID string, balanceMicros int64) error {
	cmd, err := p.db.Exec(ctx, `
		UPDATE game_sessions
		SET balance_micros = $1
		WHERE id = $2
	`, balanceMicros, sessionID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteSession finalizes the session row. Re-running with the same
// values is a no-op; the first writer's completion timestamp wins.
func (p *Postgres) CompleteSession(ctx context.Context, sessionID string, finalBalanceMicros int64, report string, completedAt time.Time) error {
	cmd, err := p.db.Exec(ctx, `
		UPDATE game_sessions
		SET final_balance_micros = $1,
		    balance_micros = $1,
		    report = $2,
		    completed_at = COALESCE(completed_at, $3)
		WHERE id = $4
	`, finalBalanceMicros, report, completedAt, sessionID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SaveAction(ctx context.Context, a GameAction) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO game_actions
		    (id, session_id, level, stock, kind, unit_price_micros, quantity, avg_cost_micros, quantity_after, at)
		VALUES
		    ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.SessionID, a.Level, a.Stock, a.Kind, a.UnitPriceMicros, a.Quantity, a.AvgCostMicros, a.QuantityAfter, a.At)
	return err
}

func (p *Postgres) ListActions(ctx context.Context, sessionID string) ([]GameAction, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, session_id, level, stock, kind, unit_price_micros, quantity, avg_cost_micros, quantity_after, at
		FROM game_actions
		WHERE session_id = $1
		ORDER BY at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GameAction
	for rows.Next() {
		var a GameAction
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Level, &a.Stock, &a.Kind,
			&a.UnitPriceMicros, &a.Quantity, &a.AvgCostMicros, &a.QuantityAfter, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateRoom(ctx context.Context, r GameRoom) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO game_rooms (id, min_players, max_players, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.MinPlayers, r.MaxPlayers, r.Status, r.CreatedAt)
	return err
}

func (p *Postgres) GetRoom(ctx context.Context, id string) (GameRoom, error) {
	var r GameRoom
	err := p.db.QueryRow(ctx, `
		SELECT id, min_players, max_players, status, created_at, ended_at
		FROM game_rooms
		WHERE id = $1
	`, id).Scan(&r.ID, &r.MinPlayers, &r.MaxPlayers, &r.Status, &r.CreatedAt, &r.EndedAt)
	if err == pgx.ErrNoRows {
		return r, ErrNotFound
	}
	return r, err
}

func (p *Postgres) ListOpenRooms(ctx context.Context) ([]GameRoom, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, min_players, max_players, status, created_at, ended_at
		FROM game_rooms
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at DESC
	`, RoomOpen, RoomPreparing, RoomInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GameRoom
	for rows.Next() {
		var r GameRoom
		if err := rows.Scan(&r.ID, &r.MinPlayers, &r.MaxPlayers, &r.Status, &r.CreatedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) SetRoomStatus(ctx context.Context, roomID, status string, endedAt *time.Time) error {
	cmd, err := p.db.Exec(ctx, `
		UPDATE game_rooms
		SET status = $1,
		    ended_at = COALESCE(ended_at, $2)
		WHERE id = $3
	`, status, endedAt, roomID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddRoomPlayer(ctx context.Context, rp RoomPlayer) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO room_players (id, room_id, user_id, username, session_id, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, rp.ID, rp.RoomID, rp.UserID, rp.Username, rp.SessionID, rp.Status, rp.UpdatedAt)
	return err
}

func (p *Postgres) GetRoomPlayer(ctx context.Context, roomID, userID string) (RoomPlayer, error) {
	var rp RoomPlayer
	err := p.db.QueryRow(ctx, `
		SELECT id, room_id, user_id, username, session_id, status, completed_at, updated_at
		FROM room_players
		WHERE room_id = $1 AND user_id = $2
	`, roomID, userID).Scan(&rp.ID, &rp.RoomID, &rp.UserID, &rp.Username, &rp.SessionID, &rp.Status, &rp.CompletedAt, &rp.UpdatedAt)
	if err == pgx.ErrNoRows {
		return rp, ErrNotFound
	}
	return rp, err
}

func (p *Postgres) ListRoomPlayers(ctx context.Context, roomID string) ([]RoomPlayer, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, room_id, user_id, username, session_id, status, completed_at, updated_at
		FROM room_players
		WHERE room_id = $1
		ORDER BY updated_at
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoomPlayers(rows)
}

func (p *Postgres) SetRoomPlayerStatus(ctx context.Context, roomID, userID, status string, sessionID *string, completedAt *time.Time) error {
	cmd, err := p.db.Exec(ctx, `
		UPDATE room_players
		SET status = $1,
		    session_id = COALESCE($2, session_id),
		    completed_at = COALESCE(completed_at, $3),
		    updated_at = now()
		WHERE room_id = $4 AND user_id = $5
	`, status, sessionID, completedAt, roomID, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStalledPlayers finds players still marked in_game whose session was
// already finalized. The sweeper repairs these.
func (p *Postgres) ListStalledPlayers(ctx context.Context) ([]RoomPlayer, error) {
	rows, err := p.db.Query(ctx, `
		SELECT rp.id, rp.room_id, rp.user_id, rp.username, rp.session_id, rp.status, rp.completed_at, rp.updated_at
		FROM room_players rp
		JOIN game_sessions gs ON gs.id = rp.session_id
		WHERE rp.status = $1 AND gs.completed_at IS NOT NULL
		ORDER BY rp.updated_at
	`, PlayerInGame)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoomPlayers(rows)
}

func scanRoomPlayers(rows pgx.Rows) ([]RoomPlayer, error) {
	var out []RoomPlayer
	for rows.Next() {
		var rp RoomPlayer
		if err := rows.Scan(&rp.ID, &rp.RoomID, &rp.UserID, &rp.Username, &rp.SessionID, &rp.Status, &rp.CompletedAt, &rp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

// UpsertResult inserts the player's result once per room. Retried saga
// runs hit the conflict path and leave the first row in place.
func (p *Postgres) UpsertResult(ctx context.Context, r GameResult) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO game_results (room_id, session_id, user_id, final_balance_micros, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, r.RoomID, r.SessionID, r.UserID, r.FinalBalanceMicros, r.CompletedAt)
	return err
}

func (p *Postgres) ListResults(ctx context.Context, roomID string) ([]GameResult, error) {
	rows, err := p.db.Query(ctx, `
		SELECT room_id, session_id, user_id, final_balance_micros, rank, completed_at
		FROM game_results
		WHERE room_id = $1
		ORDER BY final_balance_micros DESC, completed_at
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GameResult
	for rows.Next() {
		var r GameResult
		if err := rows.Scan(&r.RoomID, &r.SessionID, &r.UserID, &r.FinalBalanceMicros, &r.Rank, &r.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) SetResultRank(ctx context.Context, roomID, userID string, rank int) error {
	cmd, err := p.db.Exec(ctx, `
		UPDATE game_results
		SET rank = $1
		WHERE room_id = $2 AND user_id = $3
	`, rank, roomID, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
