package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/botauth/internal/authz"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

// writeError writes err as {error_code, error_message}. Anything that is not
// a typed rejection is logged and reported as Internal.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *authz.Error
	if !errors.As(err, &e) {
		a.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else if e.Kind == authz.KindPersistenceUnavailable {
		a.Log.Error("store unavailable", zap.String("path", r.URL.Path), zap.Error(err))
	}
	authz.WriteError(w, err)
}

func invalidRequest(msg string) error {
	return authz.Errorf(authz.KindInvalidRequest, msg)
}

// decodeJSON reads a JSON body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalidRequest("Invalid request body")
	}
	return nil
}
