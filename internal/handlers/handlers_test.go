package handlers

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/emberchat/ember/internal/chain"
	"github.com/emberchat/ember/internal/models"
	"github.com/emberchat/ember/internal/scheduler"
	"github.com/emberchat/ember/internal/store"
)

type env struct {
	users    *store.Users
	sessions *store.Sessions
	groups   *store.Groups
	messages *store.Messages
	sched    *scheduler.Scheduler

	auth    *AuthHandler
	group   *GroupHandler
	message *MessageHandler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		users:    store.NewUsers(),
		sessions: store.NewSessions(0),
		groups:   store.NewGroups(),
		messages: store.NewMessages(),
	}
	e.sched = scheduler.New(e.messages.DestroyByID)
	e.messages.SetScheduler(e.sched)
	e.sched.Start()
	t.Cleanup(e.sched.Stop)

	collaborator := chain.Disabled()
	e.auth = &AuthHandler{Users: e.users, Sessions: e.sessions}
	e.group = &GroupHandler{
		Users: e.users, Sessions: e.sessions, Groups: e.groups,
		Messages: e.messages, Chain: collaborator,
	}
	e.message = &MessageHandler{
		Users: e.users, Sessions: e.sessions, Groups: e.groups,
		Messages: e.messages, Chain: collaborator,
	}
	return e
}

// login creates a wallet-backed user and an active session for it.
func (e *env) login(address string) (models.User, string) {
	user := e.users.FindOrCreateByWallet(address)
	sess := e.sessions.Issue(user)
	return user, sess.SessionID
}

func doRequest(handler http.HandlerFunc, method, path string, vars map[string]string,
	token string, body interface{}) *httptest.ResponseRecorder {

	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

// --- wallet auth ---

func keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

func walletFor(key *secp256k1.PrivateKey) string {
	digest := keccak(key.PubKey().SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(digest[12:])
}

func signChallenge(key *secp256k1.PrivateKey, message string) string {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	digest := keccak(append([]byte(prefix), []byte(message)...))
	compact := secpecdsa.SignCompact(key, digest, false)

	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig)
}

func TestWalletAuth(t *testing.T) {
	e := newEnv(t)
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	ts := time.Now().UnixMilli()
	message := fmt.Sprintf("Sign in to Ember: %d", ts)
	rr := doRequest(e.auth.WalletAuth, "POST", "/api/auth/wallet", nil, "", map[string]interface{}{
		"address":   walletFor(key),
		"message":   message,
		"signature": signChallenge(key, message),
		"timestamp": ts,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	body := decode(t, rr)
	assert.Equal(t, true, body["success"])
	sessionID, _ := body["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	user := body["user"].(map[string]interface{})
	assert.Equal(t, walletFor(key), user["walletAddress"])
	assert.Equal(t, walletFor(key)[:6]+"..."+walletFor(key)[38:], user["username"])
	assert.Empty(t, user["privateKey"], "private key must not leak in auth responses")

	// The issued session authenticates follow-up calls.
	rr = doRequest(e.auth.ValidateSession, "GET", "/api/auth/session/"+sessionID,
		map[string]string{"sessionId": sessionID}, "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWalletAuthSameWalletSameUser(t *testing.T) {
	e := newEnv(t)
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	authOnce := func() string {
		message := fmt.Sprintf("Sign in to Ember: %d", time.Now().UnixMilli())
		rr := doRequest(e.auth.WalletAuth, "POST", "/api/auth/wallet", nil, "", map[string]interface{}{
			"address":   walletFor(key),
			"message":   message,
			"signature": signChallenge(key, message),
		})
		require.Equal(t, http.StatusOK, rr.Code)
		return decode(t, rr)["user"].(map[string]interface{})["userId"].(string)
	}

	assert.Equal(t, authOnce(), authOnce())
}

func TestWalletAuthInvalidSignature(t *testing.T) {
	e := newEnv(t)
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	message := fmt.Sprintf("Sign in to Ember: %d", time.Now().UnixMilli())
	rr := doRequest(e.auth.WalletAuth, "POST", "/api/auth/wallet", nil, "", map[string]interface{}{
		"address":   walletFor(key),
		"message":   message,
		"signature": signChallenge(other, message), // signed by someone else
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, false, decode(t, rr)["success"])
}

func TestWalletAuthExpiredChallenge(t *testing.T) {
	e := newEnv(t)
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	// Valid signature over a challenge six minutes old.
	stale := time.Now().Add(-6 * time.Minute).UnixMilli()
	message := fmt.Sprintf("Sign in to Ember: %d", stale)
	rr := doRequest(e.auth.WalletAuth, "POST", "/api/auth/wallet", nil, "", map[string]interface{}{
		"address":   walletFor(key),
		"message":   message,
		"signature": signChallenge(key, message),
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestValidateSessionUnknown(t *testing.T) {
	e := newEnv(t)
	rr := doRequest(e.auth.ValidateSession, "GET", "/api/auth/session/session-nope",
		map[string]string{"sessionId": "session-nope"}, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// --- groups ---

func TestListGroupsForWallet(t *testing.T) {
	e := newEnv(t)
	user, token := e.login("0xaaaa000000000000000000000000000000001111")
	e.groups.Create(user, "mine", nil)

	rr := doRequest(e.group.ListForWallet, "GET", "/api/user/groups/"+user.WalletAddress,
		map[string]string{"walletAddress": user.WalletAddress}, token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Len(t, body["groups"], 1)

	// Another wallet's groups are off limits even with a valid session.
	rr = doRequest(e.group.ListForWallet, "GET", "/api/user/groups/0xother",
		map[string]string{"walletAddress": "0xother"}, token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// No session at all.
	rr = doRequest(e.group.ListForWallet, "GET", "/api/user/groups/"+user.WalletAddress,
		map[string]string{"walletAddress": user.WalletAddress}, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGetGroupInviteFlow(t *testing.T) {
	e := newEnv(t)
	creator, _ := e.login("0xcccc000000000000000000000000000000001111")
	g := e.groups.Create(creator, "g", nil)

	_, outsiderToken := e.login("0xdddd000000000000000000000000000000002222")

	// Without the invite flag a non-member is refused.
	rr := doRequest(e.group.GetGroup, "GET", "/api/groups/"+g.GroupID,
		map[string]string{"groupId": g.GroupID}, outsiderToken, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// With it, fetching the group id joins exactly once.
	rr = doRequest(e.group.GetGroup, "GET", "/api/groups/"+g.GroupID+"?invite=true",
		map[string]string{"groupId": g.GroupID}, outsiderToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["joined"])
	group := body["group"].(map[string]interface{})
	assert.Len(t, group["members"], 1)

	// A second invite fetch must not grow the member set.
	rr = doRequest(e.group.GetGroup, "GET", "/api/groups/"+g.GroupID+"?invite=true",
		map[string]string{"groupId": g.GroupID}, outsiderToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body = decode(t, rr)
	group = body["group"].(map[string]interface{})
	assert.Len(t, group["members"], 1)
}

func TestGetGroupNotFound(t *testing.T) {
	e := newEnv(t)
	_, token := e.login("0xeeee000000000000000000000000000000003333")
	rr := doRequest(e.group.GetGroup, "GET", "/api/groups/group-missing",
		map[string]string{"groupId": "group-missing"}, token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateGroup(t *testing.T) {
	e := newEnv(t)
	user, token := e.login("0xffff000000000000000000000000000000004444")

	rr := doRequest(e.group.CreateGroup, "POST", "/api/createGroup", nil, token, map[string]interface{}{
		"creator":          map[string]string{"publicKey": user.PublicKey},
		"groupName":        "ops",
		"memberPublicKeys": []string{"pk-x"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "ops", body["name"])
	assert.NotEmpty(t, body["groupId"])
	assert.Equal(t, false, body["chainEnabled"])

	// Creating on someone else's behalf is forbidden.
	rr = doRequest(e.group.CreateGroup, "POST", "/api/createGroup", nil, token, map[string]interface{}{
		"creator":   map[string]string{"publicKey": "pk-notme"},
		"groupName": "ops",
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestCreateUser(t *testing.T) {
	e := newEnv(t)
	_, token := e.login("0x1234000000000000000000000000000000005555")

	rr := doRequest(e.group.CreateUser, "POST", "/api/createUser", nil, token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.NotEmpty(t, body["userId"])
	assert.NotEmpty(t, body["publicKey"])
	assert.NotEmpty(t, body["privateKey"])

	rr = doRequest(e.group.CreateUser, "POST", "/api/createUser", nil, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// --- messages ---

func (e *env) sendMessage(t *testing.T, token string, user models.User, groupID, content string,
	timed bool, deleteAfter int) string {
	t.Helper()
	rr := doRequest(e.message.Send, "POST", "/api/sendGroupMessage", nil, token, map[string]interface{}{
		"sender":             map[string]string{"publicKey": user.PublicKey},
		"groupId":            groupID,
		"message":            content,
		"isSelfDestruct":     timed,
		"timedDestruct":      timed,
		"deleteAfterSeconds": deleteAfter,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	return decode(t, rr)["messageId"].(string)
}

func (e *env) listMessages(t *testing.T, token, groupID string) []interface{} {
	t.Helper()
	rr := doRequest(e.message.List, "GET", "/api/getGroupMessages/"+groupID,
		map[string]string{"groupId": groupID}, token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	return decode(t, rr)["messages"].([]interface{})
}

func TestSendAndListMessages(t *testing.T) {
	e := newEnv(t)
	user, token := e.login("0xaaaa000000000000000000000000000000009999")
	g := e.groups.Create(user, "g", nil)

	e.sendMessage(t, token, user, g.GroupID, "first", false, 0)
	e.sendMessage(t, token, user, g.GroupID, "second", false, 0)

	msgs := e.listMessages(t, token, g.GroupID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].(map[string]interface{})["content"])
	assert.Equal(t, "second", msgs[1].(map[string]interface{})["content"])
}

func TestSendMessageErrors(t *testing.T) {
	e := newEnv(t)
	user, token := e.login("0xbbbb000000000000000000000000000000008888")
	g := e.groups.Create(user, "g", nil)

	outsider, outsiderToken := e.login("0xcccc000000000000000000000000000000007777")

	tests := []struct {
		name   string
		token  string
		body   map[string]interface{}
		status int
	}{
		{
			"sender mismatch", token,
			map[string]interface{}{
				"sender":  map[string]string{"publicKey": "pk-forged"},
				"groupId": g.GroupID, "message": "x",
			},
			http.StatusForbidden,
		},
		{
			"unknown group", token,
			map[string]interface{}{
				"sender":  map[string]string{"publicKey": user.PublicKey},
				"groupId": "group-missing", "message": "x",
			},
			http.StatusNotFound,
		},
		{
			"non-member", outsiderToken,
			map[string]interface{}{
				"sender":  map[string]string{"publicKey": outsider.PublicKey},
				"groupId": g.GroupID, "message": "x",
			},
			http.StatusForbidden,
		},
		{
			"no session", "",
			map[string]interface{}{
				"sender":  map[string]string{"publicKey": user.PublicKey},
				"groupId": g.GroupID, "message": "x",
			},
			http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(e.message.Send, "POST", "/api/sendGroupMessage", nil, tt.token, tt.body)
			assert.Equal(t, tt.status, rr.Code)
		})
	}
}

func TestNonMemberCannotListOrRead(t *testing.T) {
	e := newEnv(t)
	user, token := e.login("0xdddd000000000000000000000000000000006666")
	g := e.groups.Create(user, "g", nil)
	msgID := e.sendMessage(t, token, user, g.GroupID, "private", false, 0)

	outsider, outsiderToken := e.login("0xeeee000000000000000000000000000000005555")

	rr := doRequest(e.message.List, "GET", "/api/getGroupMessages/"+g.GroupID,
		map[string]string{"groupId": g.GroupID}, outsiderToken, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doRequest(e.message.MarkRead, "POST", "/api/markMessageAsRead", nil, outsiderToken, map[string]interface{}{
		"user":      map[string]string{"publicKey": outsider.PublicKey},
		"messageId": msgID, "groupId": g.GroupID,
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestMarkReadIdempotentOverHTTP(t *testing.T) {
	e := newEnv(t)
	user, token := e.login("0xffff000000000000000000000000000000003333")
	g := e.groups.Create(user, "g", nil)
	msgID := e.sendMessage(t, token, user, g.GroupID, "x", false, 0)

	markRead := func() map[string]interface{} {
		rr := doRequest(e.message.MarkRead, "POST", "/api/markMessageAsRead", nil, token, map[string]interface{}{
			"user":      map[string]string{"publicKey": user.PublicKey},
			"messageId": msgID, "groupId": g.GroupID,
		})
		require.Equal(t, http.StatusOK, rr.Code)
		return decode(t, rr)
	}

	first := markRead()
	second := markRead()
	assert.Equal(t, first["readTime"], second["readTime"])
}

func TestMarkReadUnknownMessage(t *testing.T) {
	e := newEnv(t)
	user, token := e.login("0x9999000000000000000000000000000000002222")
	g := e.groups.Create(user, "g", nil)

	rr := doRequest(e.message.MarkRead, "POST", "/api/markMessageAsRead", nil, token, map[string]interface{}{
		"user":      map[string]string{"publicKey": user.PublicKey},
		"messageId": "msg-missing", "groupId": g.GroupID,
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDestroyMessageOverHTTP(t *testing.T) {
	e := newEnv(t)
	user, token := e.login("0x8888000000000000000000000000000000001111")
	g := e.groups.Create(user, "g", nil)
	msgID := e.sendMessage(t, token, user, g.GroupID, "burn me", false, 0)

	destroy := func() *httptest.ResponseRecorder {
		return doRequest(e.message.Destroy, "POST", "/api/destroyMessage", nil, token, map[string]interface{}{
			"user":      map[string]string{"publicKey": user.PublicKey},
			"messageId": msgID, "groupId": g.GroupID,
		})
	}

	require.Equal(t, http.StatusOK, destroy().Code)
	// A repeat destroy is a no-op, not an error.
	require.Equal(t, http.StatusOK, destroy().Code)

	msgs := e.listMessages(t, token, g.GroupID)
	m := msgs[0].(map[string]interface{})
	assert.Equal(t, true, m["destroyed"])
	assert.Equal(t, store.TombstoneManual, m["content"])
}

// TestTimedSelfDestructEndToEnd runs the full scenario: A creates a group,
// sends a timed self-destruct message, B joins via invite, reads it, and the
// message settles into its tombstone shortly after.
func TestTimedSelfDestructEndToEnd(t *testing.T) {
	e := newEnv(t)
	alice, aliceToken := e.login("0x7777000000000000000000000000000000001111")
	g := e.groups.Create(alice, "secrets", []string{alice.PublicKey})
	e.messages.EnsureGroup(g.GroupID)

	msgID := e.sendMessage(t, aliceToken, alice, g.GroupID, "self destructing", true, 1)

	// B joins via invite.
	bob, bobToken := e.login("0x6666000000000000000000000000000000002222")
	rr := doRequest(e.group.GetGroup, "GET", "/api/groups/"+g.GroupID+"?invite=true",
		map[string]string{"groupId": g.GroupID}, bobToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(e.message.MarkRead, "POST", "/api/markMessageAsRead", nil, bobToken, map[string]interface{}{
		"user":      map[string]string{"publicKey": bob.PublicKey},
		"messageId": msgID, "groupId": g.GroupID,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	// Still intact before the timer fires.
	m := e.listMessages(t, aliceToken, g.GroupID)[0].(map[string]interface{})
	assert.Equal(t, false, m["destroyed"])

	deadline := time.Now().Add(3 * time.Second)
	for {
		m = e.listMessages(t, aliceToken, g.GroupID)[0].(map[string]interface{})
		if m["destroyed"] == true || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, true, m["destroyed"])
	assert.Equal(t, store.TombstoneTimed, m["content"])
}
