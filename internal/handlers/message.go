package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/emberchat/ember/internal/chain"
	"github.com/emberchat/ember/internal/models"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/ws"
)

type MessageHandler struct {
	Users    *store.Users
	Sessions *store.Sessions
	Groups   *store.Groups
	Messages *store.Messages
	Chain    chain.Collaborator
	Hub      *ws.Hub // optional
}

func (h *MessageHandler) broadcast(ev ws.Event) {
	if h.Hub != nil {
		h.Hub.Broadcast(ev)
	}
}

type sendMessageRequest struct {
	Sender             actorRef `json:"sender"`
	GroupID            string   `json:"groupId"`
	Message            string   `json:"message"`
	IsSelfDestruct     bool     `json:"isSelfDestruct"`
	TimedDestruct      bool     `json:"timedDestruct"`
	DeleteAfterSeconds int      `json:"deleteAfterSeconds"`
}

// Send appends a message to a group the caller belongs to, with best-effort
// chain encryption enrichment.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Sessions, h.Users)
	if err != nil {
		writeError(w, err)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Sender.PublicKey != user.PublicKey {
		writeError(w, store.ErrForbidden)
		return
	}

	group, err := h.Groups.Get(req.GroupID)
	if err != nil {
		writeError(w, err)
		return
	}

	// Default-recipient selection for the relay: the first listed member,
	// falling back to the creator for groups created without one.
	recipient := group.CreatedBy
	if len(group.Members) > 0 {
		recipient = group.Members[0]
	}
	enc := h.Chain.Encrypt(r.Context(), user.PublicKey, recipient, req.Message)

	msg, err := h.Messages.Append(group, user, req.Message,
		req.IsSelfDestruct, req.TimedDestruct, req.DeleteAfterSeconds, enc)
	if err != nil {
		writeError(w, err)
		return
	}

	h.broadcast(ws.Event{Type: ws.EventMessage, GroupID: group.GroupID, Payload: msg})

	writeSuccess(w, map[string]interface{}{
		"groupId":        group.GroupID,
		"messageId":      msg.ID,
		"encryptionData": msg.EncryptionData,
		"chainEnabled":   h.Chain.Enabled(),
	})
}

// List returns a group's messages in ascending timestamp order, merged with
// any externally stored messages the chain collaborator can produce. An
// unreachable collaborator silently contributes nothing.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Sessions, h.Users)
	if err != nil {
		writeError(w, err)
		return
	}

	groupID := mux.Vars(r)["groupId"]
	group, err := h.Groups.Get(groupID)
	if err != nil {
		writeError(w, err)
		return
	}

	external := h.Chain.FetchMessages(r.Context(), user.PublicKey)

	msgs, err := h.Messages.List(group, user, external)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	writeSuccess(w, map[string]interface{}{
		"messages":     msgs,
		"chainEnabled": h.Chain.Enabled(),
	})
}

type messageActionRequest struct {
	User      actorRef `json:"user"`
	MessageID string   `json:"messageId"`
	GroupID   string   `json:"groupId"`
}

// MarkRead records a read receipt; the first read of a timed self-destruct
// message arms its destruction timer.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Sessions, h.Users)
	if err != nil {
		writeError(w, err)
		return
	}

	var req messageActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.User.PublicKey != user.PublicKey {
		writeError(w, store.ErrForbidden)
		return
	}

	group, err := h.Groups.Get(req.GroupID)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Messages.MarkRead(group, req.MessageID, user)
	if err != nil {
		writeError(w, err)
		return
	}

	if !res.AlreadyRead {
		h.broadcast(ws.Event{Type: ws.EventMessageRead, GroupID: group.GroupID, Payload: res})
	}

	writeSuccess(w, map[string]interface{}{
		"messageId": res.MessageID,
		"readTime":  res.ReadTime,
	})
}

// Destroy tombstones a message on the sender's request.
func (h *MessageHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Sessions, h.Users)
	if err != nil {
		writeError(w, err)
		return
	}

	var req messageActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.User.PublicKey != user.PublicKey {
		writeError(w, store.ErrForbidden)
		return
	}

	group, err := h.Groups.Get(req.GroupID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.Messages.Destroy(group, req.MessageID, user); err != nil {
		writeError(w, err)
		return
	}

	h.broadcast(ws.Event{
		Type:    ws.EventMessageDestroyed,
		GroupID: group.GroupID,
		Payload: map[string]string{"messageId": req.MessageID},
	})

	writeSuccess(w, map[string]interface{}{"messageId": req.MessageID})
}
