package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type chatMessage struct {
	Abs    time.Time `json:"abs_timestamp"`
	User   string    `json:"username"`
	Text   string    `json:"message"`
	Badges string    `json:"badges"`
	Emotes string    `json:"emotes"`
	Color  string    `json:"color"`
	Rel    float64   `json:"rel_timestamp"`
}

const chatSelectCols = `username, message, abs_timestamp, rel_timestamp, badges, emotes, color`

func scanChatMessage(rows *sql.Rows) (chatMessage, error) {
	var m chatMessage
	err := rows.Scan(&m.User, &m.Text, &m.Abs, &m.Rel, &m.Badges, &m.Emotes, &m.Color)
	return m, err
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", slog.Any("err", err))
	}
}

// handleChatJSON returns recorded chat messages for a VOD, optionally
// restricted to a [from,to] window of relative seconds.
func (h *Handlers) handleChatJSON(w http.ResponseWriter, r *http.Request, vodID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from := parseFloat64Query(r, "from", 0)
	to := parseFloat64Query(r, "to", 0)
	limit := parseIntQuery(r, "limit", 1000)
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}

	q := `SELECT ` + chatSelectCols + ` FROM chat_messages WHERE vod_id=$1 AND rel_timestamp>=$2`
	args := []any{vodID, from}
	if to > 0 {
		q += ` AND rel_timestamp<=$3 ORDER BY rel_timestamp ASC LIMIT $4`
		args = append(args, to, limit)
	} else {
		q += ` ORDER BY rel_timestamp ASC LIMIT $3`
		args = append(args, limit)
	}
	rows, err := h.db.QueryContext(r.Context(), q, args...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer closeRows(rows)

	out := make([]chatMessage, 0)
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, m)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleChatSSE replays a VOD's chat over Server-Sent Events, pacing events
// by the recorded relative timestamps divided by the speed parameter.
func (h *Handlers) handleChatSSE(w http.ResponseWriter, r *http.Request, vodID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	from := parseFloat64Query(r, "from", 0)
	speed := parseFloat64Query(r, "speed", 1.0)
	if speed <= 0 {
		speed = 1.0
	}
	ctx := r.Context()
	rows, err := h.db.QueryContext(ctx,
		`SELECT `+chatSelectCols+` FROM chat_messages WHERE vod_id=$1 AND rel_timestamp>=$2 ORDER BY rel_timestamp ASC`,
		vodID, from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer closeRows(rows)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	prev := from
	enc := json.NewEncoder(w)
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return
		}
		if m.Rel > prev {
			delay := time.Duration(((m.Rel - prev) / speed) * float64(time.Second))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		_ = enc.Encode(m)
		if _, err := w.Write([]byte("\n")); err != nil {
			return
		}
		flusher.Flush()
		prev = m.Rel
	}
}
