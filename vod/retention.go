package vod

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RetentionPolicy defines which downloaded chat logs and recorded live
// messages to clean up.
type RetentionPolicy struct {
	// KeepLastNDays: chat logs older than this many days are eligible for cleanup (0 = disabled)
	KeepLastNDays int
	// KeepLastNVODs: keep only the chat logs of the N most recent VODs (0 = disabled)
	KeepLastNVODs int
	// ChatMessageDays: delete recorded live chat_messages rows older than this (0 = disabled)
	ChatMessageDays int
	// DryRun: log actions but don't delete files or update the DB
	DryRun bool
	// Interval: how often to run the cleanup job
	Interval time.Duration
}

// LoadRetentionPolicy loads retention policy configuration from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		Interval: 6 * time.Hour,
	}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNVODs = n
		}
	}
	if s := os.Getenv("RETENTION_CHAT_MESSAGE_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.ChatMessageDays = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// StartRetentionJob runs a background job that periodically cleans up old chat
// logs and recorded chat messages per the configured retention policy.
func StartRetentionJob(ctx context.Context, dbc *sql.DB, channel string) {
	policy := LoadRetentionPolicy()

	if policy.KeepLastNDays == 0 && policy.KeepLastNVODs == 0 && policy.ChatMessageDays == 0 {
		slog.Info("retention job disabled (no policy configured)", slog.String("channel", channel))
		return
	}

	slog.Info("retention job starting",
		slog.String("channel", channel),
		slog.Int("keep_days", policy.KeepLastNDays),
		slog.Int("keep_count", policy.KeepLastNVODs),
		slog.Int("chat_message_days", policy.ChatMessageDays),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	if err := runRetentionCleanup(ctx, dbc, channel, policy); err != nil {
		slog.Warn("retention cleanup failed", slog.Any("err", err), slog.String("channel", channel))
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped", slog.String("channel", channel))
			return
		case <-ticker.C:
			if err := runRetentionCleanup(ctx, dbc, channel, policy); err != nil {
				slog.Warn("retention cleanup failed", slog.Any("err", err), slog.String("channel", channel))
			}
		}
	}
}

// runRetentionCleanup performs a single retention cleanup cycle.
func runRetentionCleanup(ctx context.Context, dbc *sql.DB, channel string, policy RetentionPolicy) error {
	logger := slog.Default().With(
		slog.String("component", "retention_cleanup"),
		slog.String("channel", channel),
		slog.Bool("dry_run", policy.DryRun),
	)

	// Build list of VOD IDs whose chat logs should be retained.
	retainedIDs := make(map[string]struct{})

	if policy.KeepLastNDays > 0 {
		cutoff := time.Now().Add(-time.Duration(policy.KeepLastNDays) * 24 * time.Hour)
		rows, err := dbc.QueryContext(ctx,
			`SELECT twitch_vod_id FROM vods WHERE channel=$1 AND date >= $2`,
			channel, cutoff)
		if err != nil {
			return fmt.Errorf("query recent vods: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				retainedIDs[id] = struct{}{}
			}
		}
		_ = rows.Close()
		logger.Debug("identified vods to retain by date", slog.Int("count", len(retainedIDs)))
	}

	if policy.KeepLastNVODs > 0 {
		rows, err := dbc.QueryContext(ctx,
			`SELECT twitch_vod_id FROM vods WHERE channel=$1 ORDER BY date DESC LIMIT $2`,
			channel, policy.KeepLastNVODs)
		if err != nil {
			return fmt.Errorf("query last n vods: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				retainedIDs[id] = struct{}{}
			}
		}
		_ = rows.Close()
		logger.Debug("identified vods to retain by count", slog.Int("retained_count", len(retainedIDs)))
	}

	// Never delete chat logs of VODs currently downloading or not yet tallied.
	rows, err := dbc.QueryContext(ctx, `
		SELECT twitch_vod_id FROM vods
		WHERE channel=$1
		AND (
			(processed = false AND chat_path IS NOT NULL)
			OR download_state IN ('downloading')
		)
	`, channel)
	if err != nil {
		return fmt.Errorf("query active vods: %w", err)
	}
	activeIDs := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			activeIDs[id] = struct{}{}
			retainedIDs[id] = struct{}{}
		}
	}
	_ = rows.Close()
	logger.Debug("identified active vods to protect", slog.Int("count", len(activeIDs)))

	rows, err = dbc.QueryContext(ctx, `
		SELECT twitch_vod_id, chat_path, date, title
		FROM vods
		WHERE channel=$1 AND chat_path IS NOT NULL AND chat_path != ''
		ORDER BY date ASC
	`, channel)
	if err != nil {
		return fmt.Errorf("query vods with chat logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cleaned, skipped, errors int
	var bytesFreed int64

	for rows.Next() {
		var id, path, title string
		var date time.Time
		if err := rows.Scan(&id, &path, &date, &title); err != nil {
			logger.Warn("failed to scan vod row", slog.Any("err", err))
			continue
		}

		if _, retained := retainedIDs[id]; retained {
			skipped++
			continue
		}

		fileInfo, err := os.Stat(path)
		if os.IsNotExist(err) {
			// File already gone, just clear the DB field.
			if !policy.DryRun {
				if _, err := dbc.ExecContext(ctx, `UPDATE vods SET chat_path=NULL WHERE twitch_vod_id=$1`, id); err != nil {
					logger.Warn("failed to clear db reference for missing file", slog.String("vod_id", id), slog.Any("err", err))
				}
			}
			logger.Debug("chat log already missing, clearing db reference", slog.String("path", path), slog.String("vod_id", id))
			continue
		} else if err != nil {
			logger.Warn("failed to stat file", slog.String("path", path), slog.Any("err", err))
			errors++
			continue
		}
		bytesFreed += fileInfo.Size()

		if policy.DryRun {
			logger.Info("dry-run: would delete chat log",
				slog.String("path", path),
				slog.String("vod_id", id),
				slog.String("title", title),
				slog.Time("date", date),
				slog.Int64("size_bytes", fileInfo.Size()))
			cleaned++
			continue
		}

		if err := os.Remove(path); err != nil {
			logger.Warn("failed to delete chat log", slog.String("path", path), slog.String("vod_id", id), slog.Any("err", err))
			errors++
			continue
		}
		if _, err := dbc.ExecContext(ctx, `UPDATE vods SET chat_path=NULL, updated_at=NOW() WHERE twitch_vod_id=$1`, id); err != nil {
			logger.Warn("failed to update db after deletion", slog.String("vod_id", id), slog.Any("err", err))
			errors++
			continue
		}
		logger.Info("deleted old chat log",
			slog.String("path", path),
			slog.String("vod_id", id),
			slog.String("title", title),
			slog.Time("date", date),
			slog.Int64("size_bytes", fileInfo.Size()))
		cleaned++
	}

	// Prune recorded live chat messages past the configured horizon. The emote
	// tallies derived from them are kept; only the raw messages go.
	if policy.ChatMessageDays > 0 {
		cutoff := time.Now().Add(-time.Duration(policy.ChatMessageDays) * 24 * time.Hour)
		if policy.DryRun {
			var n int
			_ = dbc.QueryRowContext(ctx, `SELECT COUNT(1) FROM chat_messages WHERE channel=$1 AND created_at < $2`, channel, cutoff).Scan(&n)
			logger.Info("dry-run: would delete chat messages", slog.Int("count", n))
		} else {
			res, err := dbc.ExecContext(ctx, `DELETE FROM chat_messages WHERE channel=$1 AND created_at < $2`, channel, cutoff)
			if err != nil {
				logger.Warn("chat message prune failed", slog.Any("err", err))
			} else if n, err := res.RowsAffected(); err == nil && n > 0 {
				logger.Info("pruned old chat messages", slog.Int64("count", n))
			}
		}
	}

	mode := "cleanup"
	if policy.DryRun {
		mode = "dry-run"
	}
	logger.Info("retention cleanup completed",
		slog.String("mode", mode),
		slog.Int("cleaned", cleaned),
		slog.Int("skipped", skipped),
		slog.Int("errors", errors),
		slog.Int64("bytes_freed", bytesFreed))
	return nil
}

// CleanupTempFiles removes stale temporary files from the data directory.
func CleanupTempFiles(dataDir string, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	now := time.Now()
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		slog.Warn("failed to read data dir for temp cleanup", slog.String("dir", dataDir), slog.Any("err", err))
		return
	}
	var removed, failed int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".tmp") && !strings.HasSuffix(name, ".part") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > maxAge {
			path := filepath.Join(dataDir, name)
			if err := os.Remove(path); err == nil {
				removed++
				slog.Debug("removed stale temp file", slog.String("path", path), slog.Duration("age", now.Sub(fi.ModTime())))
			} else {
				failed++
				slog.Warn("failed to remove stale temp file", slog.String("path", path), slog.Any("err", err))
			}
		}
	}
	if removed > 0 || failed > 0 {
		slog.Info("temp file cleanup completed", slog.Int("removed", removed), slog.Int("failed", failed))
	}
}
