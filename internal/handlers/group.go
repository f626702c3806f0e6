package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/emberchat/ember/internal/chain"
	"github.com/emberchat/ember/internal/models"
	"github.com/emberchat/ember/internal/store"
)

type GroupHandler struct {
	Users    *store.Users
	Sessions *store.Sessions
	Groups   *store.Groups
	Messages *store.Messages
	Chain    chain.Collaborator
}

// ListForWallet returns the calling user's groups. The wallet address in the
// path must be the session's own; viewing another wallet's groups is
// forbidden.
func (h *GroupHandler) ListForWallet(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Sessions, h.Users)
	if err != nil {
		writeError(w, err)
		return
	}

	walletAddress := mux.Vars(r)["walletAddress"]
	if !strings.EqualFold(user.WalletAddress, walletAddress) {
		writeError(w, store.ErrForbidden)
		return
	}

	groups := h.Groups.ListFor(user)
	if groups == nil {
		groups = []models.Group{}
	}
	writeSuccess(w, map[string]interface{}{"groups": groups})
}

// GetGroup returns one group. A non-member fetching with ?invite=true is
// added to the group: possession of the group id is the invite capability.
func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Sessions, h.Users)
	if err != nil {
		writeError(w, err)
		return
	}

	groupID := mux.Vars(r)["groupId"]
	inviteMode := r.URL.Query().Get("invite") == "true"

	group, err := h.Groups.Get(groupID)
	if err != nil {
		writeError(w, err)
		return
	}

	member, err := h.Groups.IsMember(groupID, user.PublicKey)
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case member:
		writeSuccess(w, map[string]interface{}{"group": group})
	case inviteMode:
		joinedGroup, joined, err := h.Groups.JoinViaInvite(groupID, user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, map[string]interface{}{"group": joinedGroup, "joined": joined})
	default:
		writeError(w, store.ErrForbidden)
	}
}

type createGroupRequest struct {
	Creator          actorRef `json:"creator"`
	GroupName        string   `json:"groupName"`
	MemberPublicKeys []string `json:"memberPublicKeys"`
}

// CreateGroup registers a new group owned by the calling user.
func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Sessions, h.Users)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Creator.PublicKey != user.PublicKey {
		writeError(w, store.ErrForbidden)
		return
	}

	group := h.Groups.Create(user, req.GroupName, req.MemberPublicKeys)
	h.Messages.EnsureGroup(group.GroupID)

	writeSuccess(w, map[string]interface{}{
		"groupId":      group.GroupID,
		"name":         group.Name,
		"members":      group.Members,
		"chainEnabled": h.Chain.Enabled(),
	})
}

// CreateUser mints a standalone identity with fresh key material. The
// private key is returned exactly once, here.
func (h *GroupHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	if _, err := currentUser(r, h.Sessions, h.Users); err != nil {
		writeError(w, err)
		return
	}

	user := h.Users.CreateStandalone("", "")
	writeSuccess(w, map[string]interface{}{
		"userId":       user.UserID,
		"publicKey":    user.PublicKey,
		"privateKey":   user.PrivateKey,
		"chainEnabled": h.Chain.Enabled(),
	})
}
