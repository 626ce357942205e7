package feed

import (
	"encoding/json"
	"fmt"
	"strings"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is a normalized change-feed record for one table row.
type Event struct {
	Table string         `json:"table"`
	Type  EventType      `json:"type"`
	New   map[string]any `json:"new,omitempty"`
	Old   map[string]any `json:"old,omitempty"`
}

// wirePayload covers both payload shapes that have been on the wire: the
// current {table, type, new, old} and the legacy
// {table, eventType, record, old_record}.
type wirePayload struct {
	Table     string         `json:"table"`
	Type      string         `json:"type"`
	EventType string         `json:"eventType"`
	New       map[string]any `json:"new"`
	Old       map[string]any `json:"old"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// Normalize parses a raw payload in either shape into an Event.
func Normalize(raw []byte) (Event, error) {
	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("decode feed payload: %w", err)
	}
	if w.Table == "" {
		return Event{}, fmt.Errorf("feed payload missing table")
	}

	typ := w.Type
	if typ == "" {
		typ = w.EventType
	}
	ev := Event{Table: w.Table, Type: EventType(strings.ToUpper(strings.TrimSpace(typ)))}
	switch ev.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Event{}, fmt.Errorf("feed payload has unknown type %q", typ)
	}

	ev.New = w.New
	if ev.New == nil {
		ev.New = w.Record
	}
	ev.Old = w.Old
	if ev.Old == nil {
		ev.Old = w.OldRecord
	}
	if ev.Type != EventDelete && ev.New == nil {
		return Event{}, fmt.Errorf("feed %s payload for %s missing row", ev.Type, ev.Table)
	}
	return ev, nil
}

// Encode renders the event in the current wire shape.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the row id from New or Old, for logging.
func (e Event) RowID() string {
	for _, row := range []map[string]any{e.New, e.Old} {
		if row == nil {
			continue
		}
		if id, ok := row["id"].(string); ok {
			return id
		}
	}
	return ""
}
