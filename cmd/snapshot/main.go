// Command snapshot runs the whole pipeline once and exits: discover VODs,
// download and tally every pending chat log, export the statistics JSON, and
// optionally push it to the gh-pages branch. This is the CI mode used by the
// scheduled workflow; the long-running server covers the same ground with its
// background jobs.
//
// Usage:
//
//	snapshot [--publish] [--concurrency N] [--max-vods N]
//
// Environment: same variables as the server (DB_DSN, TWITCH_API_CLIENT_ID,
// TWITCH_API_CLIENT_SECRET, EMOTE_STAT_CONFIG, EMOTE_STAT_JSON; GH_PAT and
// PUBLISH_REPO when --publish is set).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nobbersit/nobber-sit/backend/config"
	"github.com/nobbersit/nobber-sit/backend/db"
	"github.com/nobbersit/nobber-sit/backend/publish"
	"github.com/nobbersit/nobber-sit/backend/stats"
	"github.com/nobbersit/nobber-sit/backend/vod"
)

func main() {
	doPublish := flag.Bool("publish", false, "push the exported stats JSON to the publish repo")
	concurrency := flag.Int("concurrency", 1, "parallel chat downloads")
	maxVods := flag.Int("max-vods", 0, "limit catalog backfill to the N most recent VODs (0 = incremental discovery only)")
	flag.Parse()

	_ = godotenv.Load()

	lvl := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateHelixReady(); err != nil {
		slog.Error("missing credentials", slog.Any("err", err))
		os.Exit(1)
	}

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() { _ = database.Close() }()

	ctx := context.Background()
	if err := db.RunMigrations(database); err != nil {
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	start := time.Now()

	if *maxVods > 0 {
		if err := vod.BackfillCatalog(ctx, database, *maxVods, 0); err != nil {
			slog.Error("catalog backfill failed", slog.Any("err", err))
			os.Exit(1)
		}
	} else if err := vod.DiscoverAndUpsert(ctx, database); err != nil {
		slog.Error("vod discovery failed", slog.Any("err", err))
		os.Exit(1)
	}

	if err := vod.ProcessAllPending(ctx, database, *concurrency); err != nil {
		// Keep going: a retryable failure on one VOD should not block the
		// export of everything that did tally.
		slog.Warn("some vods failed to process", slog.Any("err", err))
	}

	changed, err := stats.ExportOnce(ctx, database, cfg)
	if err != nil {
		slog.Error("stats export failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("stats exported", slog.String("path", cfg.StatsJSONPath), slog.Bool("changed", changed), slog.Duration("elapsed", time.Since(start)))

	if *doPublish {
		p := publish.New(cfg)
		if err := p.Validate(); err != nil {
			slog.Error("publish not configured", slog.Any("err", err))
			os.Exit(1)
		}
		if !changed {
			slog.Info("stats unchanged; skipping publish")
			return
		}
		if err := p.RunOnce(ctx); err != nil {
			slog.Error("publish failed", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("stats published", slog.String("repo", cfg.PublishRepo), slog.String("branch", cfg.PublishBranch))
	}
}
