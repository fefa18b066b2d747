package migrate_test

import (
	"context"
	"testing"

	"heroinit/internal/db"
	"heroinit/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	migrations, err := migrate.List()
	if err != nil || len(migrations) == 0 {
		t.Fatalf("list: %v (%d)", err, len(migrations))
	}
	want := migrations[len(migrations)-1].Version
	for i := 0; i < 2; i++ {
		got, err := migrate.Migrate(ctx, conn)
		if err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("expected version %d, got %d", want, got)
		}
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO events(ts,type,session_id,turn,segment) VALUES ('t','x','s',1,0)`); err != nil {
		t.Fatalf("events table missing: %v", err)
	}
}
