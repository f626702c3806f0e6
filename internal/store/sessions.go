package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emberchat/ember/internal/models"
)

// Sessions owns the session collection, the sole authorization gate. Every
// authorized request must be validated here; no positive result is cached
// across requests.
type Sessions struct {
	mu   sync.RWMutex
	byID map[string]*models.Session
	ttl  time.Duration // 0 means sessions never expire
}

// NewSessions creates the session store. A zero ttl keeps sessions valid
// until process state is discarded, matching the historical behavior.
func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		byID: make(map[string]*models.Session),
		ttl:  ttl,
	}
}

// Issue creates a new session bound to the user.
func (s *Sessions) Issue(user models.User) models.Session {
	sess := &models.Session{
		SessionID:     "session-" + uuid.NewString(),
		UserID:        user.UserID,
		WalletAddress: user.WalletAddress,
		CreatedAt:     time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.byID[sess.SessionID] = sess
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"user_id": user.UserID,
		"wallet":  user.WalletAddress,
	}).Info("session issued")
	return *sess
}

// Validate looks up a session token. Expired sessions are evicted lazily and
// reported as ErrSessionExpired; unknown tokens as ErrUnauthorized.
func (s *Sessions) Validate(sessionID string) (models.Session, error) {
	s.mu.RLock()
	sess, ok := s.byID[sessionID]
	if ok {
		out := *sess
		s.mu.RUnlock()
		if s.expired(out) {
			s.evict(sessionID)
			return models.Session{}, ErrSessionExpired
		}
		return out, nil
	}
	s.mu.RUnlock()
	return models.Session{}, ErrUnauthorized
}

func (s *Sessions) expired(sess models.Session) bool {
	if s.ttl <= 0 {
		return false
	}
	return time.Now().UnixMilli()-sess.CreatedAt > s.ttl.Milliseconds()
}

func (s *Sessions) evict(sessionID string) {
	s.mu.Lock()
	delete(s.byID, sessionID)
	s.mu.Unlock()
	logrus.WithField("session_id", sessionID).Debug("expired session evicted")
}

// Export copies out every session for snapshotting.
func (s *Sessions) Export() []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, *sess)
	}
	return out
}

// Import replaces the collection with restored sessions.
func (s *Sessions) Import(sessions []models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*models.Session, len(sessions))
	for i := range sessions {
		sess := sessions[i]
		s.byID[sess.SessionID] = &sess
	}
}
