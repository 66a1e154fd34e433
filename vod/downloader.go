package vod

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// downloadChat uses TwitchDownloaderCLI to fetch the full chat log of a VOD as JSON.
// The output path is stable so repeated runs overwrite rather than accumulate.
func downloadChat(ctx context.Context, db *sql.DB, id, dataDir string) (string, error) {
	if !acquireDownloadSlot(ctx) {
		return "", ctx.Err()
	}
	defer releaseDownloadSlot()

	out := filepath.Join(dataDir, id+".json")
	cli := os.Getenv("TWITCH_DOWNLOADER_PATH")
	if cli == "" {
		cli = "./TwitchDownloaderCLI"
	}
	connections := 6
	if s := os.Getenv("CHAT_CONNECTIONS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			connections = n
		}
	}
	// Third-party emote sets are disabled: only the tracked channel emotes matter
	// and the embed fetch slows the download considerably.
	args := []string{
		"chatdownload",
		"--collision", "Overwrite",
		"--id", id,
		"--chat-connections", strconv.Itoa(connections),
		"--bttv", "false",
		"--ffz", "false",
		"--stv", "false",
		"-o", out,
	}

	maxAttempts := 5
	if s := os.Getenv("DOWNLOAD_MAX_ATTEMPTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	baseBackoff := 2 * time.Second
	if s := os.Getenv("DOWNLOAD_BACKOFF_BASE"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			baseBackoff = d
		}
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<attempt)
			//nolint:gosec // G404: jitter only
			jitter := time.Duration(rand.Int63n(int64(baseBackoff)))
			backoff += jitter
			slog.Warn("retrying chat download", slog.String("vod_id", id), slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		// Child context cancelable via the API.
		dlCtx, cancel := context.WithCancel(ctx)
		registerCancel(id, cancel)

		_, _ = db.ExecContext(ctx, `UPDATE vods SET download_state='downloading', updated_at=NOW() WHERE twitch_vod_id=$1`, id)

		var stderr bytes.Buffer
		cmd := exec.CommandContext(dlCtx, cli, args...)
		cmd.Stderr = &stderr
		err := cmd.Run()
		unregisterCancel(id)
		cancel()
		if err == nil {
			if fi, statErr := os.Stat(out); statErr != nil || fi.Size() == 0 {
				lastErr = fmt.Errorf("chatdownload produced no output for vod %s", id)
				continue
			}
			_, _ = db.ExecContext(ctx, `UPDATE vods SET download_state='complete', chat_path=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, out, id)
			return out, nil
		}
		if msg := stderr.String(); msg != "" {
			lastErr = fmt.Errorf("chatdownload: %w: %s", err, truncate(msg, 500))
		} else {
			lastErr = fmt.Errorf("chatdownload: %w", err)
		}
		_, _ = db.ExecContext(ctx, `UPDATE vods SET download_retries = COALESCE(download_retries,0) + 1, updated_at=NOW() WHERE twitch_vod_id=$1`, id)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if IsFatalError(lastErr) {
			return "", lastErr
		}
	}
	return "", lastErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
