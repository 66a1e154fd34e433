package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nobbersit/nobber-sit/backend/telemetry"
	"github.com/nobbersit/nobber-sit/backend/twitchapi"
	vodpkg "github.com/nobbersit/nobber-sit/backend/vod"
)

// pickReconcileCandidate selects the published VOD that matches a recording
// session which started at st. VODs created more than ±10 minutes away from
// the session start are rejected; among the rest, the latest one that does not
// predate the session wins.
func pickReconcileCandidate(vods []vodpkg.VOD, st time.Time) *vodpkg.VOD {
	var candidate *vodpkg.VOD
	for i := range vods {
		v := vods[i]
		if v.Date.Before(st.Add(-10*time.Minute)) || v.Date.After(st.Add(10*time.Minute)) {
			continue
		}
		if candidate == nil {
			candidate = &vods[i]
		} else if v.Date.After(candidate.Date) && !v.Date.Before(st) {
			candidate = &vods[i]
		}
	}
	return candidate
}

// reconcilePlaceholder rewrites recorded chat rows from the placeholder id to
// the real VOD and drops the placeholder row, shifting relative timestamps by
// the difference between the recording anchor and the VOD's actual start.
func reconcilePlaceholder(ctx context.Context, dbc *sql.DB, channel, placeholder string, st time.Time, candidate *vodpkg.VOD) error {
	tx, err := dbc.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reconcile begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, _ = tx.ExecContext(ctx, `INSERT INTO vods (channel, twitch_vod_id, title, date, published_at, duration_seconds, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`,
		channel, candidate.ID, candidate.Title, candidate.Date, candidate.Published, candidate.Duration)
	_, _ = tx.ExecContext(ctx, `UPDATE vods SET title=$1, date=$2, duration_seconds=$3, updated_at=NOW()
		WHERE channel=$4 AND twitch_vod_id=$5`,
		candidate.Title, candidate.Date, candidate.Duration, channel, candidate.ID)
	if !candidate.Date.Equal(st) {
		delta := candidate.Date.Sub(st).Seconds()
		if _, err := tx.ExecContext(ctx, `UPDATE chat_messages SET rel_timestamp=rel_timestamp - $1 WHERE channel=$2 AND vod_id=$3`, delta, channel, placeholder); err != nil {
			return fmt.Errorf("reconcile shift timestamps: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chat_messages SET vod_id=$1 WHERE channel=$2 AND vod_id=$3`, candidate.ID, channel, placeholder); err != nil {
		return fmt.Errorf("reconcile update chat: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vods WHERE channel=$1 AND twitch_vod_id=$2`, channel, placeholder); err != nil {
		return fmt.Errorf("reconcile delete placeholder: %w", err)
	}
	return tx.Commit()
}

// StartAutoChatRecorder polls Twitch stream status and automatically starts the
// chat recorder when the configured channel goes live. It uses a placeholder
// VOD id (live-<unixStart>) until the real VOD is published.
// Env knobs:
//
//	CHAT_AUTO_POLL_INTERVAL (default 30s)
//	TWITCH_BOT_USERNAME, TWITCH_API_CLIENT_ID, TWITCH_API_CLIENT_SECRET required (plus stored oauth token)
func StartAutoChatRecorder(ctx context.Context, dbc *sql.DB, channel string) {
	if channel == "" {
		slog.Info("auto chat: TWITCH_CHANNEL empty; abort")
		return
	}
	if os.Getenv("TWITCH_BOT_USERNAME") == "" {
		slog.Info("auto chat: TWITCH_BOT_USERNAME empty; abort")
		return
	}
	clientID := os.Getenv("TWITCH_API_CLIENT_ID")
	clientSecret := os.Getenv("TWITCH_API_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		slog.Info("auto chat: missing client id/secret; abort")
		return
	}

	pollEvery := 30 * time.Second
	if v := os.Getenv("CHAT_AUTO_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			pollEvery = d
		}
	}

	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: clientID, ClientSecret: clientSecret},
		ClientID:       clientID,
	}

	var running bool
	var startedAt time.Time
	var placeholder string
	var recCancel context.CancelFunc
	reconciled := false

	reconcileDelay := time.Minute
	if v := os.Getenv("VOD_RECONCILE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			reconcileDelay = d
		}
	}
	reconcileWindow := 15 * time.Minute // how long after offline we keep trying

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	slog.Info("auto chat: started poller", slog.Duration("interval", pollEvery))
	for {
		if ctx.Err() != nil {
			return
		}
		func() {
			streams, err := helix.GetStreams(ctx, channel)
			if err != nil {
				slog.Debug("auto chat: streams req", slog.Any("err", err))
				return
			}
			telemetry.SetLive(len(streams) > 0)
			if len(streams) == 0 {
				// Offline
				if running && !reconciled {
					if recCancel != nil {
						recCancel()
					}
					offStarted := time.Now()
					slog.Info("auto chat: stream ended; beginning reconciliation window", slog.String("placeholder_vod", placeholder))
					go func(ph string, st time.Time, offAt time.Time) {
						select {
						case <-ctx.Done():
							return
						case <-time.After(reconcileDelay):
						}
						for {
							if ctx.Err() != nil {
								return
							}
							if time.Since(offAt) > reconcileWindow {
								slog.Warn("auto chat: reconciliation window expired", slog.String("placeholder_vod", ph))
								return
							}
							vods, err := vodpkg.FetchChannelVODs(ctx)
							if err != nil {
								slog.Debug("auto chat: reconcile fetch vods", slog.Any("err", err))
							} else if candidate := pickReconcileCandidate(vods, st); candidate != nil {
								if err := reconcilePlaceholder(ctx, dbc, channel, ph, st, candidate); err != nil {
									slog.Warn("auto chat: reconcile", slog.Any("err", err))
									return
								}
								slog.Info("auto chat: reconciliation complete", slog.String("placeholder", ph), slog.String("real_vod", candidate.ID), slog.String("channel", channel))
								reconciled = true
								running = false
								return
							}
							select {
							case <-ctx.Done():
								return
							case <-time.After(30 * time.Second):
							}
						}
					}(placeholder, startedAt, offStarted)
				}
				return
			}
			// Stream is live
			if running {
				return
			}
			startedAt = streams[0].StartedAt.UTC()
			placeholder = fmt.Sprintf("live-%d", startedAt.Unix())
			reconciled = false
			_, _ = dbc.ExecContext(ctx, `INSERT INTO vods (channel, twitch_vod_id, title, date, duration_seconds, created_at)
				VALUES ($1,$2,$3,$4,$5,NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`,
				channel, placeholder, "LIVE: "+streams[0].Title, startedAt, 0)
			running = true
			slog.Info("auto chat: stream live; starting chat recorder", slog.String("vod_id", placeholder), slog.Time("started_at", startedAt), slog.String("channel", channel))
			recCtx, cancel := context.WithCancel(ctx)
			recCancel = cancel
			go func(pID string, st time.Time) {
				StartTwitchChatRecorder(recCtx, dbc, pID, st)
				slog.Info("auto chat: recorder goroutine exited", slog.String("vod_id", pID))
			}(placeholder, startedAt)
		}()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
