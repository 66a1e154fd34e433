// Package testutil holds shared helpers for integration-style tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nobbersit/nobber-sit/backend/db"
)

// SetupTestDB opens a test database connection and runs the embedded migration.
// Tests are skipped when TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}

// TruncateAll clears the tables a test touches so cases don't leak into each other.
func TruncateAll(t *testing.T, database *sql.DB) {
	t.Helper()
	for _, table := range []string{"emote_usages", "chat_messages", "vods", "oauth_tokens", "kv"} {
		if _, err := database.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}
