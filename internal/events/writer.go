package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events to the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{DB: db, Now: time.Now}
}

type Event struct {
	ID         int64
	TS         time.Time
	Type       string
	EntityKind string
	EntityID   string
	Payload    map[string]any
}

// Append records a single event. Payload may be nil.
func (w *Writer) Append(eventType, entityKind, entityID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	_, err = w.DB.Exec(
		`INSERT INTO events(ts, type, entity_kind, entity_id, payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), eventType, entityKind, entityID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", eventType, err)
	}
	return nil
}

// Latest returns up to n most recent events, newest first.
func (w *Writer) Latest(n int) ([]Event, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := w.DB.Query(
		`SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), payload_json
		 FROM events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts, raw string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &e.EntityID, &raw); err != nil {
			return nil, err
		}
		e.TS, _ = time.Parse(time.RFC3339, ts)
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			e.Payload = map[string]any{"_raw": raw}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
