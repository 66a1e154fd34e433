package stats

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	"github.com/nobbersit/nobber-sit/backend/config"
	"github.com/nobbersit/nobber-sit/backend/db"
	"github.com/nobbersit/nobber-sit/backend/telemetry"
)

// ExportOnce rebuilds the snapshot from the database and rewrites the stats
// file when its content changed. On a change it flags publish_dirty so the
// publisher pushes the new file.
func ExportOnce(ctx context.Context, dbc *sql.DB, cfg *config.Config) (bool, error) {
	ec, err := config.LoadEmotes(cfg.EmoteConfigPath)
	if err != nil {
		return false, err
	}
	snapshot, err := BuildSnapshot(ctx, dbc, ec.Emotes)
	if err != nil {
		return false, err
	}
	changed, err := WriteSnapshot(cfg.StatsJSONPath, snapshot)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_ = db.SetKV(ctx, dbc, "stats_exported_at", now)
	if changed {
		_ = db.SetKV(ctx, dbc, "publish_dirty", now)
		slog.Info("stats snapshot written", slog.String("path", cfg.StatsJSONPath), slog.Int("vods", len(snapshot.Data)), slog.String("component", "stats_export"))
	}
	return changed, nil
}

// StartExportJob watches the stats_dirty flag and rewrites the stats JSON when
// new tallies have landed.
func StartExportJob(ctx context.Context, dbc *sql.DB, cfg *config.Config) {
	interval := 1 * time.Minute
	if s := os.Getenv("EXPORT_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	slog.Info("stats export job starting", slog.Duration("interval", interval), slog.String("path", cfg.StatsJSONPath))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("stats export job stopped")
			return
		case <-ticker.C:
			dirty := db.GetKV(ctx, dbc, "stats_dirty")
			exported := db.GetKV(ctx, dbc, "stats_exported_at")
			if dirty == "" || (exported != "" && dirty <= exported) {
				continue
			}
			if _, err := ExportOnce(ctx, dbc, cfg); err != nil {
				telemetry.ExportsFailed.Inc()
				slog.Warn("stats export failed", slog.Any("err", err), slog.String("component", "stats_export"))
				continue
			}
			telemetry.ExportsSucceeded.Inc()
		}
	}
}
