package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const sessionCookieName = "loupgarou_session"

var errNoSession = errors.New("no session")

func createSession(ctx context.Context, db *sqlx.DB, playerID int64) (string, error) {
	token := uuid.NewString()
	_, err := db.ExecContext(ctx, "INSERT INTO session (token, player_id) VALUES (?, ?)", token, playerID)
	return token, err
}

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionToken reads the token from the cookie or a bearer header.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func getPlayerIdFromSession(ctx context.Context, db *sqlx.DB, r *http.Request) (int64, error) {
	token := sessionToken(r)
	if token == "" {
		return -1, errNoSession
	}
	var playerID int64
	if err := db.GetContext(ctx, &playerID, "SELECT player_id FROM session WHERE token = ?", token); err != nil {
		return -1, err
	}
	return playerID, nil
}

// isOperator reports whether the request carries the operator token. An
// empty configured token disables operator access.
func isOperator(r *http.Request, operatorToken string) bool {
	if operatorToken == "" {
		return false
	}
	got := r.Header.Get("X-Operator-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(operatorToken)) == 1
}

// handleSession creates (or reuses) a player by name and opens a session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeJSON(w, http.StatusBadRequest, toast("error", "name is required"))
		return
	}

	playerID, err := ensurePlayer(r.Context(), s.db, strings.TrimSpace(body.Name))
	if err != nil {
		logError("handleSession: ensurePlayer", err)
		writeJSON(w, http.StatusInternalServerError, toast("error", "something went wrong"))
		return
	}
	token, err := createSession(r.Context(), s.db, playerID)
	if err != nil {
		logError("handleSession: createSession", err)
		writeJSON(w, http.StatusInternalServerError, toast("error", "something went wrong"))
		return
	}

	log.Printf("Session opened for '%s' (id=%d)", body.Name, playerID)
	setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]any{"player_id": playerID, "token": token})
}
