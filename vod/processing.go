package vod

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nobbersit/nobber-sit/backend/config"
	"github.com/nobbersit/nobber-sit/backend/db"
	"github.com/nobbersit/nobber-sit/backend/emote"
	"github.com/nobbersit/nobber-sit/backend/telemetry"
)

// Downloader abstracts chat retrieval (for tests/mocks).
type Downloader interface {
	Download(ctx context.Context, dbc *sql.DB, id, dataDir string) (string, error)
}

type cliDownloader struct{}

func (cliDownloader) Download(ctx context.Context, dbc *sql.DB, id, dataDir string) (string, error) {
	return downloadChat(ctx, dbc, id, dataDir)
}

// configurable for tests
var downloader Downloader = cliDownloader{}

// StartStatsProcessingJob runs a loop that downloads and tallies pending VOD chats.
func StartStatsProcessingJob(ctx context.Context, dbc *sql.DB) {
	interval := 1 * time.Minute
	if s := os.Getenv("VOD_PROCESS_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	slog.Info("stats processing job starting", slog.Duration("interval", interval))
	// Kick an immediate run so we don't wait a full interval after boot.
	if err := processOnce(ctx, dbc); err != nil {
		slog.Warn("process once", slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("stats processing job stopped")
			return
		case <-ticker.C:
			if err := processOnce(ctx, dbc); err != nil {
				slog.Warn("process once", slog.Any("err", err))
			}
		}
	}
}

// processOnce selects a single pending VOD, downloads its chat, and tallies emote usage.
func processOnce(ctx context.Context, dbc *sql.DB) error {
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_vod_process_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	var state, until string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&state)
	if state == "open" {
		_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_open_until'`).Scan(&until)
		if until != "" {
			if t, err := time.Parse(time.RFC3339, until); err == nil {
				if time.Now().Before(t) {
					slog.Debug("circuit open; skipping processing cycle", slog.String("until", until))
					return nil
				}
				_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_state','half-open',NOW())
					ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
				slog.Info("circuit transitioning to half-open")
			}
		}
	}
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	if err := DiscoverAndUpsert(ctx, dbc); err != nil {
		slog.Warn("discover vods", slog.Any("err", err), slog.String("component", "vod_process"))
		return err
	}
	// Queue depth (untallied VODs, excluding live placeholders)
	var queueDepth int
	_ = dbc.QueryRowContext(ctx, `SELECT COUNT(1) FROM vods WHERE COALESCE(processed,false)=false AND twitch_vod_id NOT LIKE 'live-%'`).Scan(&queueDepth)
	slog.Debug("processing cycle queue depth", slog.Int("queue_depth", queueDepth), slog.String("component", "vod_process"))
	telemetry.SetQueueDepth(queueDepth)
	maxAttempts := 5
	if s := os.Getenv("DOWNLOAD_MAX_ATTEMPTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	cooldown := 600 * time.Second
	if s := os.Getenv("PROCESSING_RETRY_COOLDOWN"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			cooldown = d
		}
	}
	row := dbc.QueryRowContext(ctx, `SELECT twitch_vod_id, title, date FROM vods
		WHERE COALESCE(processed,false)=false AND twitch_vod_id NOT LIKE 'live-%' AND (
			processing_error IS NULL OR processing_error='' OR (download_retries < $1 AND EXTRACT(EPOCH FROM (NOW() - COALESCE(updated_at, created_at))) >= $2)
		)
		ORDER BY priority DESC, date ASC LIMIT 1`, maxAttempts, int(cooldown.Seconds()))
	var id, title string
	var date time.Time
	if err := row.Scan(&id, &title, &date); err != nil {
		if err == sql.ErrNoRows {
			slog.Debug("no vods ready for processing", slog.String("component", "vod_process"))
			return nil
		}
		return err
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("vod_id", id), slog.String("component", "vod_process"))
	logger.Info("processing candidate selected", slog.String("title", title), slog.Time("date", date), slog.Int("queue_depth", queueDepth))
	telemetry.ProcessingCycles.Inc()
	procStart := time.Now()

	telemetry.ChatDownloadsStarted.Inc()
	dlStart := time.Now()
	chatPath, err := downloader.Download(ctx, dbc, id, dataDir)
	if err != nil {
		if IsFatalError(err) {
			// Mark non-retriable by setting retries to maxAttempts.
			logger.Warn("skipping vod: chat permanently unavailable", slog.Any("err", err))
			_, _ = dbc.ExecContext(ctx, `UPDATE vods SET processing_error=$1, download_retries=$2, updated_at=NOW() WHERE twitch_vod_id=$3`, err.Error(), maxAttempts, id)
			return nil
		}
		logger.Error("chat download failed", slog.Any("err", err), slog.Duration("download_duration", time.Since(dlStart)), slog.Int("queue_depth", queueDepth))
		telemetry.ChatDownloadsFailed.Inc()
		_, _ = dbc.ExecContext(ctx, `UPDATE vods SET processing_error=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, err.Error(), id)
		updateCircuitOnFailure(ctx, dbc)
		telemetry.UpdateCircuitGauge(true)
		return nil
	}
	dlDur := time.Since(dlStart)
	telemetry.ChatDownloadsSucceeded.Inc()
	telemetry.ChatDownloadDuration.Observe(dlDur.Seconds())
	logger.Info("chat download complete", slog.String("path", chatPath), slog.Duration("download_duration", dlDur))
	resetCircuit(ctx, dbc)

	tallyStart := time.Now()
	if err := tallyAndStore(ctx, dbc, id, chatPath); err != nil {
		logger.Error("tally failed", slog.Any("err", err))
		_, _ = dbc.ExecContext(ctx, `UPDATE vods SET processing_error=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, err.Error(), id)
		return nil
	}
	tallyDur := time.Since(tallyStart)
	telemetry.VodsTallied.Inc()
	telemetry.TallyDuration.Observe(tallyDur.Seconds())

	// Signal the exporter that the snapshot is stale.
	_ = db.SetKV(ctx, dbc, "stats_dirty", time.Now().UTC().Format(time.RFC3339))

	if os.Getenv("KEEP_CHAT_JSON") != "1" {
		if err := os.Remove(chatPath); err != nil {
			logger.Warn("chat json cleanup failed", slog.String("path", chatPath), slog.Any("err", err))
		} else {
			_, _ = dbc.ExecContext(ctx, `UPDATE vods SET chat_path=NULL, updated_at=NOW() WHERE twitch_vod_id=$1`, id)
		}
	}

	totalDur := time.Since(procStart)
	telemetry.TotalProcessDuration.Observe(totalDur.Seconds())
	updateMovingAvg(ctx, dbc, "avg_download_ms", float64(dlDur.Milliseconds()))
	updateMovingAvg(ctx, dbc, "avg_tally_ms", float64(tallyDur.Milliseconds()))
	updateMovingAvg(ctx, dbc, "avg_total_ms", float64(totalDur.Milliseconds()))
	logger.Info("tallied vod", slog.Duration("download_duration", dlDur), slog.Duration("tally_duration", tallyDur), slog.Duration("total_duration", totalDur), slog.Int("queue_depth", queueDepth-1))
	telemetry.SetQueueDepth(queueDepth - 1)
	telemetry.UpdateCircuitGauge(false)
	return nil
}

// ProcessAllPending drains the whole queue in one pass: every pending VOD is
// downloaded and tallied, up to concurrency workers at a time. Used by the
// one-shot snapshot command; the long-running job loop uses processOnce
// instead so a single slow VOD never blocks circuit accounting.
func ProcessAllPending(ctx context.Context, dbc *sql.DB, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	rows, err := dbc.QueryContext(ctx, `SELECT twitch_vod_id FROM vods
		WHERE COALESCE(processed,false)=false AND twitch_vod_id NOT LIKE 'live-%'
		ORDER BY priority DESC, date ASC`)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	slog.Info("processing pending vods", slog.Int("count", len(ids)), slog.Int("concurrency", concurrency), slog.String("component", "vod_process"))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			chatPath, err := downloader.Download(gctx, dbc, id, dataDir)
			if err != nil {
				if IsFatalError(err) {
					slog.Warn("skipping vod: chat permanently unavailable", slog.String("vod_id", id), slog.Any("err", err))
					_, _ = dbc.ExecContext(gctx, `UPDATE vods SET processing_error=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, err.Error(), id)
					return nil
				}
				_, _ = dbc.ExecContext(gctx, `UPDATE vods SET processing_error=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, err.Error(), id)
				return fmt.Errorf("download %s: %w", id, err)
			}
			if err := tallyAndStore(gctx, dbc, id, chatPath); err != nil {
				_, _ = dbc.ExecContext(gctx, `UPDATE vods SET processing_error=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, err.Error(), id)
				return fmt.Errorf("tally %s: %w", id, err)
			}
			if os.Getenv("KEEP_CHAT_JSON") != "1" {
				if err := os.Remove(chatPath); err == nil {
					_, _ = dbc.ExecContext(gctx, `UPDATE vods SET chat_path=NULL, updated_at=NOW() WHERE twitch_vod_id=$1`, id)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return db.SetKV(ctx, dbc, "stats_dirty", time.Now().UTC().Format(time.RFC3339))
}

// tallyAndStore parses a downloaded chat log, counts tracked emote usage, and
// replaces the VOD's usage rows in one transaction.
func tallyAndStore(ctx context.Context, dbc *sql.DB, vodID, chatPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ec, err := config.LoadEmotes(cfg.EmoteConfigPath)
	if err != nil {
		return fmt.Errorf("load emote config: %w", err)
	}
	log, err := emote.ReadChatLog(chatPath)
	if err != nil {
		return fmt.Errorf("read chat log: %w", err)
	}
	tallies := emote.Count(log.Comments, ec.Emotes, emote.Options{SubsOnly: cfg.SubsOnly})

	tx, err := dbc.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM emote_usages WHERE vod_id=$1`, vodID); err != nil {
		return fmt.Errorf("clear previous usages: %w", err)
	}
	var matches int
	for _, t := range tallies {
		for _, u := range t.Users {
			if _, err := tx.ExecContext(ctx, `INSERT INTO emote_usages (vod_id, emote, display_name, uses)
				VALUES ($1,$2,$3,$4)`, vodID, t.Emote, u.DisplayName, u.Uses); err != nil {
				return fmt.Errorf("insert usage: %w", err)
			}
			matches++
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE vods SET processed=TRUE, processing_error=NULL, message_count=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, len(log.Comments), vodID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	telemetry.EmoteMatches.Add(float64(matches))
	return nil
}

// updateMovingAvg maintains a simple exponential moving average (EMA) stored in kv.
// alpha = 0.2 (new contributes 20%). Values stored as integer milliseconds.
func updateMovingAvg(ctx context.Context, dbc *sql.DB, key string, newVal float64) {
	const alpha = 0.2
	var existing string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&existing)
	if existing == "" {
		_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
			ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, fmt.Sprintf("%.0f", newVal))
		return
	}
	var old float64
	if v, err := strconv.ParseFloat(existing, 64); err == nil {
		old = v
	}
	ema := alpha*newVal + (1-alpha)*old
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, fmt.Sprintf("%.0f", ema))
}
