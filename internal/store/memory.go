package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Gateway with the same idempotency semantics as
// the Postgres implementation. Used by tests and by the client when it
// plays without a backend.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]GameSession
	actions  map[string][]GameAction
	actionID map[string]bool
	rooms    map[string]GameRoom
	players  map[string]map[string]RoomPlayer
	results  map[string]map[string]GameResult
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]GameSession),
		actions:  make(map[string][]GameAction),
		actionID: make(map[string]bool),
		rooms:    make(map[string]GameRoom),
		players:  make(map[string]map[string]RoomPlayer),
		results:  make(map[string]map[string]GameResult),
	}
}

func (m *Memory) UpsertSession(_ context.Context, s GameSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return nil
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (GameSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return GameSession{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) SaveBalance(_ context.Context, sessionID string, balanceMicros int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.BalanceMicros = balanceMicros
	m.sessions[sessionID] = s
	return nil
}

func (m *Memory) CompleteSession(_ context.Context, sessionID string, finalBalanceMicros int64, report string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.FinalBalanceMicros = &finalBalanceMicros
	s.BalanceMicros = finalBalanceMicros
	s.Report = &report
	if s.CompletedAt == nil {
		at := completedAt
		s.CompletedAt = &at
	}
	m.sessions[sessionID] = s
	return nil
}

func (m *Memory) SaveAction(_ context.Context, a GameAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actionID[a.ID] {
		return nil
	}
	m.actionID[a.ID] = true
	m.actions[a.SessionID] = append(m.actions[a.SessionID], a)
	return nil
}

func (m *Memory) ListActions(_ context.Context, sessionID string) ([]GameAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GameAction, len(m.actions[sessionID]))
	copy(out, m.actions[sessionID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (m *Memory) CreateRoom(_ context.Context, r GameRoom) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[r.ID]; ok {
		return nil
	}
	m.rooms[r.ID] = r
	return nil
}

func (m *Memory) GetRoom(_ context.Context, id string) (GameRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return GameRoom{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListOpenRooms(_ context.Context) ([]GameRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []GameRoom
	for _, r := range m.rooms {
		if r.Status == RoomOpen || r.Status == RoomPreparing || r.Status == RoomInProgress {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SetRoomStatus(_ context.Context, roomID, status string, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if r.EndedAt == nil && endedAt != nil {
		at := *endedAt
		r.EndedAt = &at
	}
	m.rooms[roomID] = r
	return nil
}

func (m *Memory) AddRoomPlayer(_ context.Context, rp RoomPlayer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.players[rp.RoomID] == nil {
		m.players[rp.RoomID] = make(map[string]RoomPlayer)
	}
	if _, ok := m.players[rp.RoomID][rp.UserID]; ok {
		return nil
	}
	m.players[rp.RoomID][rp.UserID] = rp
	return nil
}

func (m *Memory) GetRoomPlayer(_ context.Context, roomID, userID string) (RoomPlayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.players[roomID][userID]
	if !ok {
		return RoomPlayer{}, ErrNotFound
	}
	return rp, nil
}

func (m *Memory) ListRoomPlayers(_ context.Context, roomID string) ([]RoomPlayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RoomPlayer
	for _, rp := range m.players[roomID] {
		out = append(out, rp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) SetRoomPlayerStatus(_ context.Context, roomID, userID, status string, sessionID *string, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.players[roomID][userID]
	if !ok {
		return ErrNotFound
	}
	rp.Status = status
	if sessionID != nil {
		id := *sessionID
		rp.SessionID = &id
	}
	if rp.CompletedAt == nil && completedAt != nil {
		at := *completedAt
		rp.CompletedAt = &at
	}
	rp.UpdatedAt = time.Now()
	m.players[roomID][userID] = rp
	return nil
}

func (m *Memory) ListStalledPlayers(_ context.Context) ([]RoomPlayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RoomPlayer
	for _, room := range m.players {
		for _, rp := range room {
			if rp.Status != PlayerInGame || rp.SessionID == nil {
				continue
			}
			if s, ok := m.sessions[*rp.SessionID]; ok && s.CompletedAt != nil {
				out = append(out, rp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) UpsertResult(_ context.Context, r GameResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results[r.RoomID] == nil {
		m.results[r.RoomID] = make(map[string]GameResult)
	}
	if _, ok := m.results[r.RoomID][r.UserID]; ok {
		return nil
	}
	m.results[r.RoomID][r.UserID] = r
	return nil
}

func (m *Memory) ListResults(_ context.Context, roomID string) ([]GameResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []GameResult
	for _, r := range m.results[roomID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FinalBalanceMicros != out[j].FinalBalanceMicros {
			return out[i].FinalBalanceMicros > out[j].FinalBalanceMicros
		}
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}

func (m *Memory) SetResultRank(_ context.Context, roomID, userID string, rank int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[roomID][userID]
	if !ok {
		return ErrNotFound
	}
	r.Rank = &rank
	m.results[roomID][userID] = r
	return nil
}
