package vod

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/nobbersit/nobber-sit/backend/twitchapi"
)

// helixAPI is the subset of the Helix client used by discovery, so tests can
// substitute a fake.
type helixAPI interface {
	GetUserID(ctx context.Context, login string) (string, error)
	ListVideos(ctx context.Context, userID, after string, first int) ([]twitchapi.VideoMeta, string, error)
	GetStreams(ctx context.Context, login string) ([]twitchapi.StreamMeta, error)
}

var newHelix = func() helixAPI { return helixClient() }

// FetchChannelVODs lists recent archive VODs for TWITCH_CHANNEL. When the
// channel is live, the newest VOD belongs to the in-progress broadcast and its
// chat cannot be downloaded yet, so it is skipped.
func FetchChannelVODs(ctx context.Context) ([]VOD, error) {
	channel := os.Getenv("TWITCH_CHANNEL")
	if channel == "" {
		return nil, nil
	}
	client := newHelix()
	uid, err := client.GetUserID(ctx, channel)
	if err != nil {
		return nil, err
	}
	videos, _, err := client.ListVideos(ctx, uid, "", 100)
	if err != nil {
		return nil, err
	}
	streams, err := client.GetStreams(ctx, channel)
	if err != nil {
		return nil, err
	}
	if len(streams) > 0 && len(videos) > 0 {
		slog.Debug("channel live, skipping newest vod", slog.String("channel", channel), slog.String("vod_id", videos[0].ID))
		videos = videos[1:]
	}
	out := make([]VOD, 0, len(videos))
	for _, v := range videos {
		out = append(out, toVOD(v))
	}
	return out, nil
}

func toVOD(v twitchapi.VideoMeta) VOD {
	created, _ := time.Parse(time.RFC3339, v.CreatedAt)
	published, _ := time.Parse(time.RFC3339, v.PublishedAt)
	return VOD{ID: v.ID, Title: v.Title, Date: created, Published: published, Duration: parseTwitchDuration(v.Duration)}
}

// DiscoverAndUpsert inserts newly discovered VODs (idempotent via ON CONFLICT DO NOTHING).
func DiscoverAndUpsert(ctx context.Context, db *sql.DB) error {
	vods, err := FetchChannelVODs(ctx)
	if err != nil {
		return err
	}
	channel := os.Getenv("TWITCH_CHANNEL")
	for _, v := range vods {
		_, _ = db.ExecContext(ctx, `INSERT INTO vods (twitch_vod_id, channel, title, date, published_at, duration_seconds, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`,
			v.ID, channel, v.Title, v.Date, v.Published, v.Duration)
		// keep metadata fresh for rows that already exist (titles change after a broadcast ends)
		_, _ = db.ExecContext(ctx, `UPDATE vods SET title=$1, published_at=$2, duration_seconds=$3, updated_at=NOW()
			WHERE twitch_vod_id=$4 AND (title IS DISTINCT FROM $1 OR COALESCE(duration_seconds,0) <> $3)`,
			v.Title, v.Published, v.Duration, v.ID)
	}
	return nil
}

// FetchAllChannelVODs pages through the channel's archive VODs up to maxCount or maxAge.
// When paging without an age cutoff, the Helix cursor is checkpointed in kv so a
// restart resumes where the previous crawl stopped.
func FetchAllChannelVODs(ctx context.Context, db *sql.DB, maxCount int, maxAge time.Duration) ([]VOD, error) {
	channel := os.Getenv("TWITCH_CHANNEL")
	if channel == "" {
		return nil, nil
	}
	client := newHelix()
	userID, err := client.GetUserID(ctx, channel)
	if err != nil {
		return nil, err
	}
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	pageSize := 100
	if maxCount > 0 && maxCount < pageSize {
		pageSize = maxCount
	}
	after := ""
	if maxAge == 0 {
		_ = db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='catalog_after'`).Scan(&after)
	}
	collected := []VOD{}
	for maxCount == 0 || len(collected) < maxCount {
		videos, cursor, err := client.ListVideos(ctx, userID, after, pageSize)
		if err != nil {
			return nil, err
		}
		if len(videos) == 0 {
			break
		}
		for _, v := range videos {
			vodObj := toVOD(v)
			if !cutoff.IsZero() && vodObj.Date.Before(cutoff) {
				return collected, nil
			}
			collected = append(collected, vodObj)
			if maxCount > 0 && len(collected) >= maxCount {
				break
			}
		}
		if cursor == "" || (maxCount > 0 && len(collected) >= maxCount) {
			break
		}
		after = cursor
		if maxAge == 0 {
			_, _ = db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('catalog_after',$1,NOW())
				ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, after)
		}
		select {
		case <-ctx.Done():
			return collected, ctx.Err()
		case <-time.After(1200 * time.Millisecond):
		}
	}
	return collected, nil
}

// BackfillCatalog inserts historical VODs without marking processed.
func BackfillCatalog(ctx context.Context, db *sql.DB, maxCount int, maxAge time.Duration) error {
	vods, err := FetchAllChannelVODs(ctx, db, maxCount, maxAge)
	if err != nil {
		return err
	}
	channel := os.Getenv("TWITCH_CHANNEL")
	for _, v := range vods {
		_, _ = db.ExecContext(ctx, `INSERT INTO vods (twitch_vod_id, channel, title, date, published_at, duration_seconds, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`,
			v.ID, channel, v.Title, v.Date, v.Published, v.Duration)
	}
	slog.Info("catalog backfill inserted/ignored", slog.Int("count", len(vods)))
	return nil
}

// StartVODCatalogBackfillJob periodically backfills older VODs.
func StartVODCatalogBackfillJob(ctx context.Context, db *sql.DB) {
	interval := 6 * time.Hour
	if v := os.Getenv("VOD_CATALOG_BACKFILL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	maxCount := 0
	if s := os.Getenv("VOD_CATALOG_MAX"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxCount = n
		}
	}
	maxAge := time.Duration(0)
	if s := os.Getenv("VOD_CATALOG_MAX_AGE_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAge = time.Duration(n) * 24 * time.Hour
		}
	}
	slog.Info("catalog backfill job starting", slog.Duration("interval", interval), slog.Int("max", maxCount), slog.Duration("max_age", maxAge))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	_ = BackfillCatalog(ctx, db, maxCount, maxAge)
	for {
		select {
		case <-ctx.Done():
			slog.Info("catalog backfill job stopped")
			return
		case <-ticker.C:
			if err := BackfillCatalog(ctx, db, maxCount, maxAge); err != nil {
				slog.Warn("catalog backfill", slog.Any("err", err))
			}
		}
	}
}

// parseTwitchDuration parses the Twitch duration format like "3h15m42s".
func parseTwitchDuration(s string) int {
	var total int
	cur := ""
	for _, r := range s {
		if r >= '0' && r <= '9' {
			cur += string(r)
			continue
		}
		if cur == "" {
			continue
		}
		n := 0
		for _, d := range cur {
			n = n*10 + int(d-'0')
		}
		switch r {
		case 'h':
			total += n * 3600
		case 'm':
			total += n * 60
		case 's':
			total += n
		}
		cur = ""
	}
	return total
}
