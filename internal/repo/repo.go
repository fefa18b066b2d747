package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"heroinit/internal/domain"
)

// Repo queries the event journal.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,started_at,source) VALUES (?,?,?)`, s.ID, s.StartedAt, s.Source)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := r.DB.QueryRowContext(ctx, `SELECT id,started_at,source FROM sessions WHERE id=?`, id).Scan(&s.ID, &s.StartedAt, &s.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// LatestSession returns the most recently started session.
func (r Repo) LatestSession(ctx context.Context) (domain.Session, error) {
	var s domain.Session
	err := r.DB.QueryRowContext(ctx, `SELECT id,started_at,source FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT 1`).Scan(&s.ID, &s.StartedAt, &s.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// EventFilter narrows LatestEvents. Empty fields match everything.
type EventFilter struct {
	SessionID string
	Type      string
	Combatant string
}

func (f EventFilter) where(cursor int64, op string) (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Combatant != "" {
		clauses = append(clauses, "combatant=?")
		args = append(args, f.Combatant)
	}
	if cursor > 0 {
		clauses = append(clauses, "id"+op+"?")
		args = append(args, cursor)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// LatestEvents returns the newest events first. A positive cursor returns
// events older than it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := f.where(cursor, "<")
	query := fmt.Sprintf(`SELECT id,ts,type,session_id,COALESCE(combatant,''),turn,segment,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := EventFilter{SessionID: sessionID}.where(cursor, ">")
	query := fmt.Sprintf(`SELECT id,ts,type,session_id,COALESCE(combatant,''),turn,segment,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.Combatant, &e.Turn, &e.Segment, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally for one session.
func (r Repo) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountEventsByType summarizes a session's journal.
func (r Repo) CountEventsByType(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM events WHERE session_id=? GROUP BY type`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}
