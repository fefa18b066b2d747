package repo_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"heroinit/internal/db"
	"heroinit/internal/domain"
	"heroinit/internal/events"
	"heroinit/internal/migrate"
	"heroinit/internal/repo"
)

type testEnv struct {
	Repo   repo.Repo
	Writer events.Writer
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "journal.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	sess := domain.Session{ID: "s1", StartedAt: "2026-01-01T00:00:00Z", Source: "test"}
	if err := r.InsertSession(context.Background(), sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := events.Writer{DB: conn, SessionID: sess.ID, Now: func() time.Time { return clock }}
	return testEnv{Repo: r, Writer: w}
}

func TestJournalAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	entries := []events.Entry{
		{Type: events.CombatantAdd, Combatant: "Grond", Turn: 1, Payload: events.EventPayload{"spd": 3}},
		{Type: events.TurnAdvance, Combatant: "Grond", Turn: 1, Segment: 4},
		{Type: events.TurnRollover, Turn: 2},
	}
	var last int64
	for _, e := range entries {
		id, err := env.Writer.Append(ctx, e)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if id <= last {
			t.Fatalf("ids must increase: %d after %d", id, last)
		}
		last = id
	}

	latest, err := env.Repo.LatestEventID(ctx, "s1")
	if err != nil || latest != last {
		t.Fatalf("latest id: %d %v", latest, err)
	}

	after, err := env.Repo.EventsAfter(ctx, 10, last-2, "s1")
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 2 || after[0].Type != events.TurnAdvance || after[1].Combatant != "" {
		t.Fatalf("unexpected events: %+v", after)
	}
	if after[0].Segment != 4 || after[0].SessionID != "s1" {
		t.Fatalf("unexpected cursor fields: %+v", after[0])
	}

	newest, err := env.Repo.LatestEvents(ctx, 1, 0, repo.EventFilter{Combatant: "Grond"})
	if err != nil || len(newest) != 1 || newest[0].Type != events.TurnAdvance {
		t.Fatalf("latest events: %+v %v", newest, err)
	}
	if newest[0].Payload != "{}" {
		t.Fatalf("expected empty payload object, got %q", newest[0].Payload)
	}

	counts, err := env.Repo.CountEventsByType(ctx, "s1")
	if err != nil || counts[events.CombatantAdd] != 1 || len(counts) != 3 {
		t.Fatalf("counts: %v %v", counts, err)
	}
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	if err := env.Repo.InsertSession(ctx, domain.Session{ID: "s2", StartedAt: "2026-02-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	s, err := env.Repo.LatestSession(ctx)
	if err != nil || s.ID != "s2" {
		t.Fatalf("latest session: %+v %v", s, err)
	}
	if _, err := env.Repo.GetSession(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWriterWithoutDBIsNoop(t *testing.T) {
	id, err := events.Writer{}.Append(context.Background(), events.Entry{Type: events.TurnAdvance})
	if err != nil || id != 0 {
		t.Fatalf("expected noop, got %d %v", id, err)
	}
}
