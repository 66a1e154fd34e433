package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/nobbersit/nobber-sit/backend/config"
	"github.com/nobbersit/nobber-sit/backend/stats"
)

// HandleEmotesList returns an aggregate leaderboard across all processed VODs:
// per emote, total uses and how many distinct chatters used it.
func (h *Handlers) HandleEmotesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rows, err := h.db.QueryContext(r.Context(), `
        SELECT e.emote,
               COALESCE(SUM(e.uses), 0),
               COUNT(DISTINCT e.display_name),
               COUNT(DISTINCT e.vod_id)
        FROM emote_usages e
        JOIN vods v ON v.twitch_vod_id = e.vod_id
        WHERE COALESCE(v.processed, FALSE) = TRUE
        GROUP BY e.emote
        ORDER BY SUM(e.uses) DESC, e.emote ASC
    `)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type entry struct {
		Emote     string `json:"emote"`
		TotalUses int64  `json:"total_uses"`
		UserCount int    `json:"user_count"`
		VodCount  int    `json:"vod_count"`
	}
	out := make([]entry, 0)
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.Emote, &e.TotalUses, &e.UserCount, &e.VodCount); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, e)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleEmoteDetail returns per-chatter totals for a single emote across all
// processed VODs, ordered by total uses.
func (h *Handlers) HandleEmoteDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	emote := strings.TrimPrefix(r.URL.Path, "/emotes/")
	if emote == "" || strings.Contains(emote, "/") {
		http.NotFound(w, r)
		return
	}
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := h.db.QueryContext(r.Context(), `
        SELECT e.display_name,
               COALESCE(SUM(e.uses), 0),
               COUNT(DISTINCT e.vod_id)
        FROM emote_usages e
        JOIN vods v ON v.twitch_vod_id = e.vod_id
        WHERE e.emote = $1 AND COALESCE(v.processed, FALSE) = TRUE
        GROUP BY e.display_name
        ORDER BY SUM(e.uses) DESC, e.display_name ASC
        LIMIT $2
    `, emote, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type user struct {
		DisplayName string `json:"display_name"`
		TotalUses   int64  `json:"total_uses"`
		VodCount    int    `json:"vod_count"`
	}
	users := make([]user, 0)
	for rows.Next() {
		var u user
		if err := rows.Scan(&u.DisplayName, &u.TotalUses, &u.VodCount); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		users = append(users, u)
	}
	if len(users) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"emote": emote, "users": users})
}

// HandleStatsJSON serves the exported statistics snapshot. When the file has
// not been exported yet the snapshot is built from the database on the fly.
func (h *Handlers) HandleStatsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := config.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if b, err := os.ReadFile(cfg.StatsJSONPath); err == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
		return
	}
	ec, err := config.LoadEmotes(cfg.EmoteConfigPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	c, err := stats.BuildSnapshot(r.Context(), h.db, ec.Emotes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c)
}
