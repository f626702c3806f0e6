package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emberchat/ember/internal/models"
)

// Groups owns the group collection and the membership predicate every
// read/write authorization decision goes through. Groups are never deleted.
type Groups struct {
	mu   sync.RWMutex
	byID map[string]*models.Group
}

func NewGroups() *Groups {
	return &Groups{byID: make(map[string]*models.Group)}
}

// isMember is the single membership rule: listed in members, or the creator.
func isMember(g *models.Group, publicKey string) bool {
	if g.CreatedBy == publicKey {
		return true
	}
	for _, pk := range g.Members {
		if pk == publicKey {
			return true
		}
	}
	return false
}

// Create registers a new group. The creator is authorized whether or not
// their public key appears in memberPublicKeys.
func (g *Groups) Create(creator models.User, name string, memberPublicKeys []string) models.Group {
	group := &models.Group{
		GroupID:   "group-" + uuid.NewString(),
		Name:      name,
		Members:   append([]string(nil), memberPublicKeys...),
		CreatedBy: creator.PublicKey,
		CreatedAt: time.Now().UnixMilli(),
	}

	g.mu.Lock()
	g.byID[group.GroupID] = group
	g.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"group_id": group.GroupID,
		"name":     name,
		"members":  len(group.Members),
	}).Info("group created")
	return cloneGroup(group)
}

// Get returns a group by id.
func (g *Groups) Get(groupID string) (models.Group, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	group, ok := g.byID[groupID]
	if !ok {
		return models.Group{}, ErrGroupNotFound
	}
	return cloneGroup(group), nil
}

// IsMember reports whether publicKey may read and write the group.
func (g *Groups) IsMember(groupID, publicKey string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	group, ok := g.byID[groupID]
	if !ok {
		return false, ErrGroupNotFound
	}
	return isMember(group, publicKey), nil
}

// JoinViaInvite adds the user to the group unless already authorized.
// Possession of the group id is itself the invite capability; this is the
// only membership mutation path. Returns the (possibly updated) group and
// whether a join actually happened, so repeated fetches stay idempotent.
func (g *Groups) JoinViaInvite(groupID string, user models.User) (models.Group, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	group, ok := g.byID[groupID]
	if !ok {
		return models.Group{}, false, ErrGroupNotFound
	}
	if isMember(group, user.PublicKey) {
		return cloneGroup(group), false, nil
	}

	group.Members = append(group.Members, user.PublicKey)
	logrus.WithFields(logrus.Fields{
		"group_id": groupID,
		"user_id":  user.UserID,
	}).Info("user joined group via invite")
	return cloneGroup(group), true, nil
}

// ListFor returns every group the user belongs to.
func (g *Groups) ListFor(user models.User) []models.Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []models.Group
	for _, group := range g.byID {
		if isMember(group, user.PublicKey) {
			out = append(out, cloneGroup(group))
		}
	}
	return out
}

// Export copies out every group for snapshotting.
func (g *Groups) Export() []models.Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Group, 0, len(g.byID))
	for _, group := range g.byID {
		out = append(out, cloneGroup(group))
	}
	return out
}

// Import replaces the collection with restored groups.
func (g *Groups) Import(groups []models.Group) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byID = make(map[string]*models.Group, len(groups))
	for i := range groups {
		group := groups[i]
		g.byID[group.GroupID] = &group
	}
}

func cloneGroup(g *models.Group) models.Group {
	out := *g
	out.Members = append([]string(nil), g.Members...)
	return out
}
