package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeRefresh       = "REFRESH"
	TypeRefreshFailed = "REFRESH_FAILED"
	TypeCommand       = "COMMAND"
	TypeCommandFailed = "COMMAND_FAILED"
)

// SQLite TIMESTAMP format.
const timestampLayout = "2006-01-02 15:04:05"

// Event is one audit log row.
type Event struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`
	Type       string    `json:"type"`
	EntityID   string    `json:"entityId,omitempty"`
	Message    string    `json:"message"`
	Meta       any       `json:"meta,omitempty"`
}

// Store reads and writes events.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Append inserts an event. A missing ID or time is filled in.
func (s *Store) Append(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}

	var meta *string
	if e.Meta != nil {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("encode event meta: %w", err)
		}
		m := string(b)
		meta = &m
	}

	var entityID *string
	if e.EntityID != "" {
		entityID = &e.EntityID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, occurred_at, type, entity_id, message, meta)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.OccurredAt.UTC().Format(timestampLayout),
		strings.ToUpper(strings.TrimSpace(e.Type)),
		entityID,
		e.Message,
		meta,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List returns events in [from, to] (either bound may be zero) of the given
// type (empty means any), oldest first.
func (s *Store) List(ctx context.Context, from, to time.Time, typ string) ([]Event, error) {
	var (
		conds []string
		args  []any
	)
	if !from.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, from.UTC().Format(timestampLayout))
	}
	if !to.IsZero() {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, to.UTC().Format(timestampLayout))
	}
	if typ = strings.ToUpper(strings.TrimSpace(typ)); typ != "" {
		conds = append(conds, "type = ?")
		args = append(args, typ)
	}

	q := `SELECT id, occurred_at, type, entity_id, message, meta FROM events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY occurred_at ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 64)
	for rows.Next() {
		var (
			ev       Event
			entityID sql.NullString
			meta     sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.OccurredAt, &ev.Type, &entityID, &ev.Message, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		ev.EntityID = entityID.String

		if meta.Valid && meta.String != "" {
			var v any
			if err := json.Unmarshal([]byte(meta.String), &v); err == nil {
				ev.Meta = v
			} else {
				ev.Meta = meta.String
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}
