package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/wallet"
)

type AuthHandler struct {
	Users    *store.Users
	Sessions *store.Sessions
}

type walletAuthRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// WalletAuth authenticates a wallet by signature over a timestamped
// challenge and issues a session. A failed signature has no retry policy;
// the caller must re-sign.
func (h *AuthHandler) WalletAuth(w http.ResponseWriter, r *http.Request) {
	var req walletAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}

	if !wallet.Verify(req.Address, req.Message, req.Signature) {
		writeError(w, wallet.ErrInvalidSignature)
		return
	}

	challengeMillis, err := wallet.ChallengeTimestamp(req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	if !wallet.Fresh(challengeMillis, time.Now()) {
		writeError(w, wallet.ErrChallengeExpired)
		return
	}

	user := h.Users.FindOrCreateByWallet(req.Address)
	sess := h.Sessions.Issue(user)

	logrus.WithFields(logrus.Fields{
		"wallet":   req.Address,
		"username": user.Username,
	}).Info("wallet session created")

	writeSuccess(w, map[string]interface{}{
		"sessionId": sess.SessionID,
		"user":      user.Public(),
	})
}

// ValidateSession resolves a session token (carried in the path) to its
// user.
func (h *AuthHandler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	sess, err := h.Sessions.Validate(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	user, ok := h.Users.Get(sess.UserID)
	if !ok {
		writeError(w, store.ErrUserNotFound)
		return
	}

	writeSuccess(w, map[string]interface{}{"user": user.Public()})
}
