package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/botauth/internal/authz"
	"github.com/example/botauth/internal/store"
)

// HandleCreateClient provisions a dashboard backend and returns its API key
// exactly once.
// POST /api/v1/admin/clients
func (a *App) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name               string `json:"name"`
		RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		a.writeError(w, r, invalidRequest("Name is required"))
		return
	}
	if req.RateLimitPerMinute <= 0 {
		req.RateLimitPerMinute = 100 // default
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	apiKeyHash, err := hashAPIKey(apiKey)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	c := &store.Client{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		APIKeyHash:         apiKeyHash,
		APIKeyPrefix:       getAPIKeyPrefix(apiKey),
		RateLimitPerMinute: req.RateLimitPerMinute,
		Active:             true,
		CreatedAt:          time.Now().UTC().Truncate(time.Second),
	}
	if _, err := authz.Persist(r.Context(), a.StoreTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.Store.CreateClient(ctx, c)
	}); err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"client": map[string]interface{}{
			"id":                    c.ID,
			"name":                  c.Name,
			"api_key_prefix":        c.APIKeyPrefix,
			"rate_limit_per_minute": c.RateLimitPerMinute,
			"created_at":            c.CreatedAt,
		},
		"api_key": apiKey, // Only returned on creation
	})
}
