package db

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// openTestDB connects to TEST_PG_DSN, applies the schema and empties the tables.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE osu_user, score, osu_performance, taiko_performance, mania_performance CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 2; i++ {
		if err := Migrate(context.Background(), db); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
}

func TestBuildInsert(t *testing.T) {
	q, args := buildInsert("score", []string{"id", "mode"}, [][]any{{1, 0}, {2, 3}})
	want := "INSERT INTO score (id, mode) VALUES ($1, $2), ($3, $4)"
	if q != want {
		t.Fatalf("query = %q, want %q", q, want)
	}
	if len(args) != 4 || args[2] != 2 || args[3] != 3 {
		t.Fatalf("args = %v", args)
	}
}

func TestPruneKeepsMostRecent(t *testing.T) {
	if !strings.Contains(pruneSQL, "ORDER BY created_at DESC, seq ASC LIMIT $3") {
		t.Fatalf("prune statement must order by recency: %s", pruneSQL)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	if up == 0 || up != down {
		t.Fatalf("expected paired up/down migrations, got up=%d down=%d", up, down)
	}
}
