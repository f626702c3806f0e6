package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/ember/internal/models"
)

func testUser(pk string) models.User {
	return models.User{UserID: "user-" + pk, PublicKey: pk, Username: pk}
}

func TestCreateGroup(t *testing.T) {
	groups := NewGroups()
	creator := testUser("pk-creator")

	g := groups.Create(creator, "launch plans", []string{"pk-a", "pk-b"})
	assert.Equal(t, "launch plans", g.Name)
	assert.Equal(t, []string{"pk-a", "pk-b"}, g.Members)
	assert.Equal(t, "pk-creator", g.CreatedBy)

	got, err := groups.Get(g.GroupID)
	require.NoError(t, err)
	assert.Equal(t, g, got)

	_, err = groups.Get("group-missing")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestIsMember(t *testing.T) {
	groups := NewGroups()
	g := groups.Create(testUser("pk-creator"), "g", []string{"pk-a"})

	tests := []struct {
		name      string
		publicKey string
		want      bool
	}{
		{"listed member", "pk-a", true},
		{"creator not in members", "pk-creator", true},
		{"stranger", "pk-x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := groups.IsMember(g.GroupID, tt.publicKey)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	_, err := groups.IsMember("group-missing", "pk-a")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestJoinViaInviteIdempotent(t *testing.T) {
	groups := NewGroups()
	g := groups.Create(testUser("pk-creator"), "g", []string{"pk-a"})
	joiner := testUser("pk-b")

	got, joined, err := groups.JoinViaInvite(g.GroupID, joiner)
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, []string{"pk-a", "pk-b"}, got.Members)

	// A second fetch with the invite flag must not grow the member set.
	got, joined, err = groups.JoinViaInvite(g.GroupID, joiner)
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Equal(t, []string{"pk-a", "pk-b"}, got.Members)

	// The creator is already authorized, so the invite path is a no-op.
	_, joined, err = groups.JoinViaInvite(g.GroupID, testUser("pk-creator"))
	require.NoError(t, err)
	assert.False(t, joined)
}

func TestListFor(t *testing.T) {
	groups := NewGroups()
	alice := testUser("pk-alice")
	bob := testUser("pk-bob")

	g1 := groups.Create(alice, "alice's", nil)
	g2 := groups.Create(bob, "bob's", []string{"pk-alice"})
	groups.Create(bob, "bob only", nil)

	got := groups.ListFor(alice)
	ids := make(map[string]bool, len(got))
	for _, g := range got {
		ids[g.GroupID] = true
	}
	assert.Len(t, got, 2)
	assert.True(t, ids[g1.GroupID])
	assert.True(t, ids[g2.GroupID])

	assert.Empty(t, groups.ListFor(testUser("pk-stranger")))
}

func TestGroupsExportImport(t *testing.T) {
	groups := NewGroups()
	g := groups.Create(testUser("pk-creator"), "g", []string{"pk-a"})

	restored := NewGroups()
	restored.Import(groups.Export())

	got, err := restored.Get(g.GroupID)
	require.NoError(t, err)
	assert.Equal(t, g, got)
}

func TestReturnedGroupIsACopy(t *testing.T) {
	groups := NewGroups()
	g := groups.Create(testUser("pk-creator"), "g", []string{"pk-a"})

	got, err := groups.Get(g.GroupID)
	require.NoError(t, err)
	got.Members[0] = "pk-tampered"

	fresh, err := groups.Get(g.GroupID)
	require.NoError(t, err)
	assert.Equal(t, []string{"pk-a"}, fresh.Members)
}
