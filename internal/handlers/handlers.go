// Package handlers exposes the HTTP JSON API. Every authorized endpoint
// revalidates its bearer session token against the session store; nothing is
// cached between requests.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/emberchat/ember/internal/models"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/wallet"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeSuccess wraps a payload in the {"success": true, ...} envelope.
func writeSuccess(w http.ResponseWriter, payload map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// writeError maps a typed failure onto its HTTP status. Unknown errors are
// reported as internal without leaking detail.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, wallet.ErrInvalidSignature):
		status, msg = http.StatusUnauthorized, "Invalid signature"
	case errors.Is(err, wallet.ErrChallengeExpired):
		status, msg = http.StatusUnauthorized, "Signature challenge expired"
	case errors.Is(err, wallet.ErrMalformedChallenge):
		status, msg = http.StatusBadRequest, "Malformed challenge message"
	case errors.Is(err, store.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "Unauthorized. Connect your wallet."
	case errors.Is(err, store.ErrSessionExpired):
		status, msg = http.StatusUnauthorized, "Session expired"
	case errors.Is(err, store.ErrForbidden):
		status, msg = http.StatusForbidden, "You do not have access to this resource"
	case errors.Is(err, store.ErrUserNotFound):
		status, msg = http.StatusNotFound, "User not found"
	case errors.Is(err, store.ErrGroupNotFound):
		status, msg = http.StatusNotFound, "Group not found"
	case errors.Is(err, store.ErrMessageNotFound):
		status, msg = http.StatusNotFound, "Message not found"
	}

	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": msg})
}

// sessionToken extracts the opaque bearer token. Clients send the raw token
// in the Authorization header; an optional "Bearer " prefix is accepted.
func sessionToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(token, "Bearer "); ok {
		return after
	}
	return token
}

// currentUser resolves the request's session token to its user. A session
// referencing a vanished user is reported as ErrUserNotFound.
func currentUser(r *http.Request, sessions *store.Sessions, users *store.Users) (models.User, error) {
	sess, err := sessions.Validate(sessionToken(r))
	if err != nil {
		return models.User{}, err
	}
	user, ok := users.Get(sess.UserID)
	if !ok {
		return models.User{}, store.ErrUserNotFound
	}
	return user, nil
}

// actorRef is how request bodies identify the acting user; only the public
// key is consulted and it must match the session's user.
type actorRef struct {
	PublicKey string `json:"publicKey"`
}
