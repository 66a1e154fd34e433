package publish

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	"github.com/nobbersit/nobber-sit/backend/db"
	"github.com/nobbersit/nobber-sit/backend/telemetry"
)

// StartPublishJob watches the publish_dirty flag and pushes the stats file to
// the gh-pages branch when a new snapshot exists. Without credentials the job
// logs once and exits; exports keep running locally.
func StartPublishJob(ctx context.Context, dbc *sql.DB, p *Publisher) {
	if err := p.Validate(); err != nil {
		slog.Warn("publish job disabled", slog.Any("err", err), slog.String("component", "publish"))
		return
	}
	interval := 2 * time.Minute
	if s := os.Getenv("PUBLISH_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	slog.Info("publish job starting", slog.Duration("interval", interval), slog.String("repo", p.Repo), slog.String("branch", p.Branch))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("publish job stopped")
			return
		case <-ticker.C:
			dirty := db.GetKV(ctx, dbc, "publish_dirty")
			published := db.GetKV(ctx, dbc, "published_at")
			if dirty == "" || (published != "" && dirty <= published) {
				continue
			}
			start := time.Now()
			if err := p.RunOnce(ctx); err != nil {
				telemetry.PublishesFailed.Inc()
				slog.Warn("publish failed", slog.Any("err", err), slog.String("component", "publish"))
				continue
			}
			telemetry.PublishesSucceeded.Inc()
			telemetry.PublishDuration.Observe(time.Since(start).Seconds())
			_ = db.SetKV(ctx, dbc, "published_at", time.Now().UTC().Format(time.RFC3339))
		}
	}
}
