package reconcile

import (
	"time"

	"marketrush/internal/store"
)

// Feed rows arrive as decoded JSON objects; numbers come through as
// float64 and timestamps as RFC3339 strings.

func rowString(row map[string]any, key string) string {
	if row == nil {
		return ""
	}
	s, _ := row[key].(string)
	return s
}

func rowInt(row map[string]any, key string) int {
	if row == nil {
		return 0
	}
	switch v := row[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func rowTime(row map[string]any, key string) time.Time {
	s := rowString(row, key)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func rowTimePtr(row map[string]any, key string) *time.Time {
	t := rowTime(row, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

func rowStringPtr(row map[string]any, key string) *string {
	s := rowString(row, key)
	if s == "" {
		return nil
	}
	return &s
}

// RoomFromRow decodes a feed or API row into a room. Exported for the
// client, which polls the same JSON shapes over HTTP.
func RoomFromRow(row map[string]any) store.GameRoom {
	return store.GameRoom{
		ID:         rowString(row, "id"),
		MinPlayers: rowInt(row, "min_players"),
		MaxPlayers: rowInt(row, "max_players"),
		Status:     rowString(row, "status"),
		CreatedAt:  rowTime(row, "created_at"),
		EndedAt:    rowTimePtr(row, "ended_at"),
	}
}

func PlayerFromRow(row map[string]any) store.RoomPlayer {
	return store.RoomPlayer{
		ID:          rowString(row, "id"),
		RoomID:      rowString(row, "room_id"),
		UserID:      rowString(row, "user_id"),
		Username:    rowString(row, "username"),
		SessionID:   rowStringPtr(row, "session_id"),
		Status:      rowString(row, "status"),
		CompletedAt: rowTimePtr(row, "completed_at"),
		UpdatedAt:   rowTime(row, "updated_at"),
	}
}
