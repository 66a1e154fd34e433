// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// maxOAuthStates caps the in-memory state store; past it the OAuth flow
// fails instead of the process growing without bound.
const maxOAuthStates = 10000

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db          *sql.DB
	ctx         context.Context
	oauthStates map[string]time.Time
	oauthMu     sync.Mutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB) *Handlers {
	return &Handlers{
		db:          db,
		ctx:         ctx,
		oauthStates: make(map[string]time.Time),
	}
}

// addOAuthState registers a pending OAuth state token with its expiry.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.oauthMu.Lock()
	defer h.oauthMu.Unlock()

	if len(h.oauthStates)%100 == 0 {
		now := time.Now()
		for s, exp := range h.oauthStates {
			if now.After(exp) {
				delete(h.oauthStates, s)
			}
		}
	}
	if len(h.oauthStates) >= maxOAuthStates {
		return
	}
	h.oauthStates[state] = expiry
}

// consumeOAuthState validates a callback state token and removes it so it
// cannot be replayed.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.oauthMu.Lock()
	defer h.oauthMu.Unlock()
	exp, ok := h.oauthStates[state]
	if !ok {
		return false
	}
	delete(h.oauthStates, state)
	return !time.Now().After(exp)
}
