package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nobbersit/nobber-sit/backend/config"
)

// HandleHealthz is the liveness probe: process up and database reachable.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readyCheck struct {
	name string
	fn   func(r *http.Request) error
}

func (h *Handlers) checkDatabase(r *http.Request) error {
	return h.db.PingContext(r.Context())
}

func (h *Handlers) checkCircuitBreaker(r *http.Request) error {
	var state string
	err := h.db.QueryRowContext(r.Context(),
		"SELECT value FROM kv WHERE key='circuit_state'").Scan(&state)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if state == "open" {
		return errors.New("circuit breaker open")
	}
	return nil
}

func (h *Handlers) checkCredentials(r *http.Request) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return cfg.ValidateHelixReady()
}

// HandleReadyz is the readiness probe. The service is ready when the database
// answers, the download circuit breaker is closed, and Helix credentials are
// configured. The failing check's name is reported, never credential values.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []readyCheck{
		{"database", h.checkDatabase},
		{"circuit_breaker", h.checkCircuitBreaker},
		{"credentials", h.checkCredentials},
	}

	w.Header().Set("Content-Type", "application/json")
	for _, c := range checks {
		if err := c.fn(r); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
			})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
