package store

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emberchat/ember/internal/models"
	"github.com/emberchat/ember/internal/wallet"
)

// Users owns the user collection. Users are created on first wallet
// authentication (or explicitly via CreateStandalone) and never deleted.
type Users struct {
	mu       sync.RWMutex
	byID     map[string]*models.User
	byWallet map[string]string // lowercased wallet address -> user id
}

func NewUsers() *Users {
	return &Users{
		byID:     make(map[string]*models.User),
		byWallet: make(map[string]string),
	}
}

// mintKeyPair generates fallback key material for a user when no external
// account provider is involved.
func mintKeyPair() (publicKey, privateKey string) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(err)
	}
	return "pk-" + hex.EncodeToString(pub), "sk-" + hex.EncodeToString(priv.Seed())
}

// FindOrCreateByWallet returns the user bound to a wallet address, creating
// one on first sight. Address matching is case-insensitive. A username is
// derived from the address and, for legacy records without one, filled in
// exactly once.
func (u *Users) FindOrCreateByWallet(address string) models.User {
	u.mu.Lock()
	defer u.mu.Unlock()

	key := strings.ToLower(address)
	if id, ok := u.byWallet[key]; ok {
		user := u.byID[id]
		if user.Username == "" {
			user.Username = wallet.ShortName(user.WalletAddress)
		}
		return *user
	}

	pub, priv := mintKeyPair()
	user := &models.User{
		UserID:        "user-" + uuid.NewString(),
		PublicKey:     pub,
		PrivateKey:    priv,
		WalletAddress: address,
		Username:      wallet.ShortName(address),
		CreatedAt:     time.Now().UnixMilli(),
	}
	u.byID[user.UserID] = user
	u.byWallet[key] = user.UserID

	logrus.WithFields(logrus.Fields{
		"user_id":  user.UserID,
		"username": user.Username,
	}).Info("user created from wallet")
	return *user
}

// CreateStandalone creates a user that is not bound to a wallet address,
// using externally supplied key material when present and minting a pair
// otherwise.
func (u *Users) CreateStandalone(publicKey, privateKey string) models.User {
	if publicKey == "" {
		publicKey, privateKey = mintKeyPair()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	user := &models.User{
		UserID:     "user-" + uuid.NewString(),
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		CreatedAt:  time.Now().UnixMilli(),
	}
	u.byID[user.UserID] = user

	logrus.WithField("user_id", user.UserID).Info("standalone user created")
	return *user
}

// Get returns the user for an id.
func (u *Users) Get(id string) (models.User, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	user, ok := u.byID[id]
	if !ok {
		return models.User{}, false
	}
	return *user, true
}

// Export copies out every user for snapshotting.
func (u *Users) Export() []models.User {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]models.User, 0, len(u.byID))
	for _, user := range u.byID {
		out = append(out, *user)
	}
	return out
}

// Import replaces the collection with restored users.
func (u *Users) Import(users []models.User) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.byID = make(map[string]*models.User, len(users))
	u.byWallet = make(map[string]string, len(users))
	for i := range users {
		user := users[i]
		u.byID[user.UserID] = &user
		if user.WalletAddress != "" {
			u.byWallet[strings.ToLower(user.WalletAddress)] = user.UserID
		}
	}
}
