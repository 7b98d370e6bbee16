package audit

import (
	"context"
	"path/filepath"
	"testing"

	"bot-engine/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return database
}

func TestAppendAndVerify(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	trail, err := New(database)
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := trail.Append(ctx, "order.step", "bot-1", map[string]any{"step": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if err := trail.Verify(ctx); err != nil {
		t.Fatalf("verify clean chain: %v", err)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	trail, err := New(database)
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := trail.Append(ctx, "order.step", "bot-1", map[string]any{"step": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Mutate a stored payload behind the trail's back.
	if _, err := database.DB.Exec(`UPDATE audit_events SET payload = '{"step":99}' WHERE seq = 2`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if err := trail.Verify(ctx); err == nil {
		t.Fatalf("expected verify to fail on tampered chain")
	}
}

func TestChainHeadSurvivesRestart(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	trail, err := New(database)
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	if err := trail.Append(ctx, "bot.created", "bot-1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Reopen the trail as a restarted process would.
	trail2, err := New(database)
	if err != nil {
		t.Fatalf("reopen trail: %v", err)
	}
	if err := trail2.Append(ctx, "bot.started", "bot-1", nil); err != nil {
		t.Fatalf("append after restart: %v", err)
	}

	if err := trail2.Verify(ctx); err != nil {
		t.Fatalf("verify across restart: %v", err)
	}
}
