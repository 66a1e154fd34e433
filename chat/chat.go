package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/nobbersit/nobber-sit/backend/db"
)

// resolveOAuthToken returns the IRC token: TWITCH_OAUTH_TOKEN when set,
// otherwise the stored "twitch" oauth token. go-twitch-irc expects the
// "oauth:" prefix.
func resolveOAuthToken(ctx context.Context, dbc *sql.DB) string {
	if tok := os.Getenv("TWITCH_OAUTH_TOKEN"); tok != "" {
		return normalizeIRCToken(tok)
	}
	access, _, _, _, err := db.GetOAuthToken(ctx, dbc, "twitch")
	if err != nil || access == "" {
		return ""
	}
	return normalizeIRCToken(access)
}

func normalizeIRCToken(tok string) string {
	if strings.HasPrefix(tok, "oauth:") {
		return tok
	}
	return "oauth:" + tok
}

// StartTwitchChatRecorder records live chat under the given VOD id, with
// relative timestamps anchored at vodStart so messages can later be aligned
// with the published VOD.
func StartTwitchChatRecorder(ctx context.Context, dbc *sql.DB, vodID string, vodStart time.Time) {
	channel := os.Getenv("TWITCH_CHANNEL")
	username := os.Getenv("TWITCH_BOT_USERNAME")
	oauth := resolveOAuthToken(ctx, dbc)
	if channel == "" || username == "" || oauth == "" {
		slog.Info("twitch creds not set; skipping chat recorder")
		return
	}
	client := twitch.NewClient(username, oauth)

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		absTime := time.Now().UTC()
		relTime := absTime.Sub(vodStart).Seconds()
		badges := ""
		for k, v := range msg.User.Badges {
			badges += k + ":" + fmt.Sprintf("%v", v) + ","
		}
		emotes := ""
		for _, e := range msg.Emotes {
			emotes += e.Name + ","
		}
		if _, err := dbc.Exec(`INSERT INTO chat_messages (vod_id, channel, username, message, abs_timestamp, rel_timestamp, badges, emotes, color)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			vodID, channel, msg.User.DisplayName, msg.Message, absTime, relTime, badges, emotes, msg.User.Color); err != nil {
			slog.Error("failed to insert chat message", slog.Any("err", err))
		}
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = client.Disconnect()
		close(done)
	}()

	client.Join(channel)
	if err := client.Connect(); err != nil {
		slog.Error("twitch chat connect error", slog.Any("err", err))
	}
	<-done
}
