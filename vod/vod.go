// Package vod discovers a channel's archive VODs via the Twitch Helix API,
// downloads their chat logs with TwitchDownloaderCLI, and tallies emote usage
// into the database.
package vod

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nobbersit/nobber-sit/backend/twitchapi"
)

// VOD is the core model; the schema lives in the db package migrations.
type VOD struct {
	ID        string
	Title     string
	Date      time.Time
	Published time.Time
	Duration  int
}

// chat download cancellation registry
var (
	activeMu      = &sync.Mutex{}
	activeCancels = map[string]context.CancelFunc{}
)

// CancelDownload cancels an in-flight chat download for the given VOD id.
// Returns false when no download is active for that id.
func CancelDownload(id string) bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	if c, ok := activeCancels[id]; ok {
		c()
		delete(activeCancels, id)
		return true
	}
	return false
}

func registerCancel(id string, cancel context.CancelFunc) {
	activeMu.Lock()
	activeCancels[id] = cancel
	activeMu.Unlock()
}

func unregisterCancel(id string) {
	activeMu.Lock()
	delete(activeCancels, id)
	activeMu.Unlock()
}

// helixClient returns a HelixClient initialized from env.
func helixClient() *twitchapi.HelixClient {
	return &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: os.Getenv("TWITCH_API_CLIENT_ID"), ClientSecret: os.Getenv("TWITCH_API_CLIENT_SECRET")},
		ClientID:       os.Getenv("TWITCH_API_CLIENT_ID"),
	}
}

// Circuit breaker helpers. State is stored in kv so it survives restarts.
func updateCircuitOnFailure(ctx context.Context, db *sql.DB) {
	threshold := 0
	if s := os.Getenv("CIRCUIT_FAILURE_THRESHOLD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			threshold = n
		}
	}
	if threshold <= 0 {
		return
	}
	var fails int
	var val string
	_ = db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_failures'`).Scan(&val)
	if val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			fails = n
		}
	}
	fails++
	_, _ = db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_failures',$1,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, fmt.Sprintf("%d", fails))
	if fails >= threshold {
		cool := 5 * time.Minute
		if s := os.Getenv("CIRCUIT_OPEN_COOLDOWN"); s != "" {
			if d, err := time.ParseDuration(s); err == nil {
				cool = d
			}
		}
		until := time.Now().Add(cool).UTC().Format(time.RFC3339)
		_, _ = db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_state','open',NOW())
			ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
		_, _ = db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_open_until',$1,NOW())
			ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, until)
		slog.Warn("circuit opened", slog.Int("failures", fails), slog.String("until", until))
	}
}

func resetCircuit(ctx context.Context, db *sql.DB) {
	var state string
	_ = db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&state)
	if state == "closed" && os.Getenv("CIRCUIT_FAILURE_THRESHOLD") == "" {
		return
	}
	_, _ = db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_failures','0',NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	_, _ = db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_state','closed',NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	_, _ = db.ExecContext(ctx, `DELETE FROM kv WHERE key IN ('circuit_open_until')`)
}
