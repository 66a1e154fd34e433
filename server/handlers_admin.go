package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nobbersit/nobber-sit/backend/config"
	"github.com/nobbersit/nobber-sit/backend/publish"
	"github.com/nobbersit/nobber-sit/backend/stats"
	vodpkg "github.com/nobbersit/nobber-sit/backend/vod"
)

// HandleAdminVodScan triggers an immediate VOD discovery pass for the
// configured channel.
func (h *Handlers) HandleAdminVodScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := vodpkg.DiscoverAndUpsert(r.Context(), h.db); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// HandleAdminVodCatalog handles manual catalog backfill with optional parameters.
func (h *Handlers) HandleAdminVodCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	max := 0
	if s := q.Get("max"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			max = n
		}
	}
	var maxAge time.Duration
	if s := q.Get("max_age_days"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAge = time.Duration(n) * 24 * time.Hour
		}
	}
	if err := vodpkg.BackfillCatalog(r.Context(), h.db, max, maxAge); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "max": max})
}

// HandleAdminMonitor returns monitoring summary including job timestamps and queue stats.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	// Fetch job timestamps
	keys := []string{"job_vod_process_last", "job_vod_catalog_last", "stats_exported_at", "published_at"}
	statsMap := map[string]any{}
	for _, k := range keys {
		var val string
		row := h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k)
		_ = row.Scan(&val)
		if val != "" {
			statsMap[k] = val
		}
	}
	// Circuit breaker
	var cState, cUntil, cFails string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&cState)
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_open_until'`).Scan(&cUntil)
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_failures'`).Scan(&cFails)
	if cState != "" {
		statsMap["circuit_state"] = cState
	}
	if cUntil != "" {
		statsMap["circuit_open_until"] = cUntil
	}
	if cFails != "" {
		statsMap["circuit_failures"] = cFails
	}

	// Queue counts
	var pending, errored, processed int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vods WHERE COALESCE(processed,false)=false AND twitch_vod_id NOT LIKE 'live-%'`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vods WHERE COALESCE(processed,false)=false AND twitch_vod_id NOT LIKE 'live-%' AND processing_error IS NOT NULL AND processing_error!=''`).Scan(&errored)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vods WHERE COALESCE(processed,false)=true`).Scan(&processed)
	statsMap["vods_pending"] = pending
	statsMap["vods_errored"] = errored
	statsMap["vods_processed"] = processed
	// Oldest unprocessed
	var oldestID string
	var oldestDate time.Time
	row := h.db.QueryRowContext(ctx, `SELECT twitch_vod_id, date FROM vods WHERE COALESCE(processed,false)=false AND twitch_vod_id NOT LIKE 'live-%' ORDER BY date ASC LIMIT 1`)
	_ = row.Scan(&oldestID, &oldestDate)
	if oldestID != "" {
		statsMap["oldest_pending"] = map[string]any{"id": oldestID, "date": oldestDate}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statsMap)
}

// HandleAdminVodPriority handles VOD priority updates.
func (h *Handlers) HandleAdminVodPriority(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		VodID    string `json:"vod_id"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if req.VodID == "" {
		http.Error(w, "vod_id required", http.StatusBadRequest)
		return
	}

	result, err := h.db.ExecContext(r.Context(),
		`UPDATE vods SET priority=$1, updated_at=NOW() WHERE twitch_vod_id=$2`,
		req.Priority, req.VodID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		http.Error(w, "vod not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"vod_id":   req.VodID,
		"priority": req.Priority,
	})
}

// HandleAdminExport forces an immediate statistics export regardless of the
// dirty flag.
func (h *Handlers) HandleAdminExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := config.Load()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	changed, err := stats.ExportOnce(r.Context(), h.db, cfg)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "changed": changed, "path": cfg.StatsJSONPath})
}

// HandleAdminPublish forces an immediate publish of the exported snapshot.
func (h *Handlers) HandleAdminPublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := config.Load()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	p := publish.New(cfg)
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := p.RunOnce(r.Context()); err != nil {
		// RunOnce redacts credentials from git output before wrapping errors.
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "repo": cfg.PublishRepo})
}
