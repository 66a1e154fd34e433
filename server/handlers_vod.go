package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	vodpkg "github.com/nobbersit/nobber-sit/backend/vod"
)

// HandleVodsList returns a paginated list of VODs.
func (h *Handlers) HandleVodsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Basic pagination: ?limit=50&offset=0
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	rows, err := h.db.QueryContext(r.Context(), `
        SELECT twitch_vod_id,
               COALESCE(title, ''),
               COALESCE(date, to_timestamp(0)),
               COALESCE(processed, FALSE),
               COALESCE(message_count, 0)
        FROM vods
        WHERE twitch_vod_id NOT LIKE 'live-%'
        ORDER BY COALESCE(date, to_timestamp(0)) DESC
        LIMIT $1 OFFSET $2
    `, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type vod struct {
		Date         time.Time `json:"date"`
		ID           string    `json:"id"`
		Title        string    `json:"title"`
		MessageCount int       `json:"message_count"`
		Processed    bool      `json:"processed"`
	}
	list := make([]vod, 0)
	for rows.Next() {
		var v vod
		if err := rows.Scan(&v.ID, &v.Title, &v.Date, &v.Processed, &v.MessageCount); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		list = append(list, v)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// HandleVodsDispatcher routes requests under /vods/{id}/* to appropriate sub-handlers.
func (h *Handlers) HandleVodsDispatcher(w http.ResponseWriter, r *http.Request) {
	// crude routing
	path := strings.TrimPrefix(r.URL.Path, "/vods/")
	parts := strings.Split(path, "/")
	vodID := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case vodID == "" || vodID == "/":
		http.NotFound(w, r)
	case tail == "":
		h.handleVodDetail(w, r, vodID)
	case tail == "emotes":
		h.handleVodEmotes(w, r, vodID)
	case tail == "reprocess":
		h.handleVodReprocess(w, r, vodID)
	case tail == "cancel":
		h.handleVodCancel(w, r, vodID)
	case tail == "chat":
		h.handleChatJSON(w, r, vodID)
	case tail == "chat/stream":
		h.handleChatSSE(w, r, vodID)
	default:
		http.NotFound(w, r)
	}
}

// HandleLive reports whether the channel is currently live, based on the
// placeholder row the auto recorder maintains while a stream is running.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var id, title string
	var started time.Time
	err := h.db.QueryRowContext(r.Context(), `
        SELECT twitch_vod_id, COALESCE(title,''), COALESCE(date, to_timestamp(0))
        FROM vods
        WHERE twitch_vod_id LIKE 'live-%' AND COALESCE(processed,FALSE)=FALSE
        ORDER BY date DESC LIMIT 1
    `).Scan(&id, &title, &started)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		if err == sql.ErrNoRows {
			_ = json.NewEncoder(w).Encode(map[string]any{"live": false})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"live":       true,
		"session_id": id,
		"title":      strings.TrimPrefix(title, "LIVE: "),
		"started_at": started,
	})
}

func (h *Handlers) handleVodDetail(w http.ResponseWriter, r *http.Request, vodID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	row := h.db.QueryRowContext(r.Context(), `
        SELECT twitch_vod_id,
               COALESCE(title, ''),
               COALESCE(date, to_timestamp(0)),
               COALESCE(duration_seconds, 0),
               COALESCE(processed, FALSE),
               COALESCE(download_state, ''),
               COALESCE(download_retries, 0),
               COALESCE(message_count, 0),
               COALESCE(processing_error, '')
    FROM vods WHERE twitch_vod_id=$1
    `, vodID)
	type vod struct {
		Date            time.Time `json:"date"`
		ID              string    `json:"id"`
		Title           string    `json:"title"`
		DownloadState   string    `json:"download_state"`
		ProcessingError string    `json:"processing_error,omitempty"`
		Duration        int       `json:"duration_seconds"`
		DownloadRetries int       `json:"download_retries"`
		MessageCount    int       `json:"message_count"`
		Processed       bool      `json:"processed"`
	}
	var v vod
	if err := row.Scan(&v.ID, &v.Title, &v.Date, &v.Duration, &v.Processed,
		&v.DownloadState, &v.DownloadRetries, &v.MessageCount, &v.ProcessingError); err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleVodEmotes returns the per-emote usage rows recorded for a single VOD.
func (h *Handlers) handleVodEmotes(w http.ResponseWriter, r *http.Request, vodID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rows, err := h.db.QueryContext(r.Context(), `
        SELECT emote, display_name, uses
        FROM emote_usages
        WHERE vod_id=$1
        ORDER BY emote ASC, uses DESC, display_name ASC
    `, vodID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type usage struct {
		Emote       string `json:"emote"`
		DisplayName string `json:"display_name"`
		Uses        int    `json:"uses"`
	}
	out := make([]usage, 0)
	for rows.Next() {
		var u usage
		if err := rows.Scan(&u.Emote, &u.DisplayName, &u.Uses); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, u)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handlers) handleVodReprocess(w http.ResponseWriter, r *http.Request, vodID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, err := h.db.ExecContext(r.Context(), `
        UPDATE vods
        SET processed=FALSE,
            processing_error=NULL,
            chat_path=NULL,
            download_state=NULL,
            download_retries=0,
            updated_at=NOW()
        WHERE twitch_vod_id=$1
    `, vodID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVodCancel cancels an in-flight chat download if present.
func (h *Handlers) handleVodCancel(w http.ResponseWriter, r *http.Request, vodID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if vodpkg.CancelDownload(vodID) {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	// No active download to cancel
	w.WriteHeader(http.StatusNoContent)
}
