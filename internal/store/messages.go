package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emberchat/ember/internal/models"
)

// Tombstone strings a destroyed message's content is replaced with. Both are
// terminal; a destroyed message never changes again.
const (
	TombstoneManual = "[This message was destroyed]"
	TombstoneTimed  = "[This message was destroyed automatically]"
)

// Scheduler registers one-shot destruction timers. The message store never
// hands it a live message, only the (group id, message id) pair.
type Scheduler interface {
	Schedule(groupID, messageID string, fireAt time.Time)
}

// Pending describes a timed destruction that has been armed but not yet
// fired, used to re-arm timers after a snapshot restore.
type Pending struct {
	GroupID   string
	MessageID string
	FireAt    time.Time
}

// Messages owns the per-group ordered message lists. A single mutex makes
// each operation atomic with respect to every other operation and snapshot
// read; no operation does I/O under the lock.
type Messages struct {
	mu      sync.Mutex
	byGroup map[string][]*models.Message
	sched   Scheduler
}

func NewMessages() *Messages {
	return &Messages{byGroup: make(map[string][]*models.Message)}
}

// SetScheduler wires the destruction scheduler in after construction; the
// scheduler's fire handler points back at this store.
func (m *Messages) SetScheduler(s Scheduler) {
	m.mu.Lock()
	m.sched = s
	m.mu.Unlock()
}

// EnsureGroup creates an empty message list for a new group.
func (m *Messages) EnsureGroup(groupID string) {
	m.mu.Lock()
	if _, ok := m.byGroup[groupID]; !ok {
		m.byGroup[groupID] = nil
	}
	m.mu.Unlock()
}

// Append stores a new message in the group. The sender must be a member.
func (m *Messages) Append(group models.Group, sender models.User, content string,
	selfDestruct, timedDestruct bool, deleteAfterSeconds int,
	enc *models.EncryptionData) (models.Message, error) {

	if !isMember(&group, sender.PublicKey) {
		return models.Message{}, ErrForbidden
	}
	if deleteAfterSeconds < 0 {
		deleteAfterSeconds = 0
	}

	msg := &models.Message{
		ID:                 "msg-" + uuid.NewString(),
		GroupID:            group.GroupID,
		Content:            content,
		Sender:             sender.PublicKey,
		SenderUsername:     sender.Username,
		Timestamp:          time.Now().UnixMilli(),
		SelfDestruct:       selfDestruct,
		TimedDestruct:      timedDestruct,
		DeleteAfterSeconds: deleteAfterSeconds,
		ReadBy:             []string{},
		ReadTimestamps:     map[string]int64{},
		EncryptionData:     enc,
	}

	m.mu.Lock()
	m.byGroup[group.GroupID] = append(m.byGroup[group.GroupID], msg)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"group_id":   group.GroupID,
		"sender":     sender.Username,
		"timed":      timedDestruct,
	}).Info("message appended")
	return cloneMessage(msg), nil
}

// List returns the group's messages, optionally merged with externally
// fetched ones, sorted ascending by timestamp. The sort is stable, so equal
// timestamps keep insertion order. The requester must be a member.
func (m *Messages) List(group models.Group, requester models.User,
	external []models.Message) ([]models.Message, error) {

	if !isMember(&group, requester.PublicKey) {
		return nil, ErrForbidden
	}

	m.mu.Lock()
	stored := m.byGroup[group.GroupID]
	out := make([]models.Message, 0, len(stored)+len(external))
	for _, msg := range stored {
		out = append(out, cloneMessage(msg))
	}
	m.mu.Unlock()

	out = append(out, external...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

// MarkRead records that reader has seen the message. The first call per
// reader stores a read timestamp; later calls return that timestamp
// unchanged. The very first reader of a timed self-destruct message arms its
// destruction timer; subsequent readers never reschedule it.
func (m *Messages) MarkRead(group models.Group, messageID string, reader models.User) (models.ReadResult, error) {
	if !isMember(&group, reader.PublicKey) {
		return models.ReadResult{}, ErrForbidden
	}

	m.mu.Lock()
	msg := m.find(group.GroupID, messageID)
	if msg == nil {
		m.mu.Unlock()
		return models.ReadResult{}, ErrMessageNotFound
	}

	if prior, ok := msg.ReadTimestamps[reader.PublicKey]; ok {
		m.mu.Unlock()
		return models.ReadResult{MessageID: messageID, ReadTime: prior, AlreadyRead: true}, nil
	}

	readTime := time.Now().UnixMilli()
	msg.ReadBy = append(msg.ReadBy, reader.PublicKey)
	msg.ReadTimestamps[reader.PublicKey] = readTime

	arm := msg.TimedDestruct && !msg.Destroyed && len(msg.ReadBy) == 1
	fireAt := time.UnixMilli(readTime).Add(time.Duration(msg.DeleteAfterSeconds) * time.Second)
	sched := m.sched
	m.mu.Unlock()

	if arm && sched != nil {
		sched.Schedule(group.GroupID, messageID, fireAt)
	}

	logrus.WithFields(logrus.Fields{
		"message_id": messageID,
		"group_id":   group.GroupID,
		"reader":     reader.UserID,
		"armed":      arm,
	}).Info("message marked read")
	return models.ReadResult{MessageID: messageID, ReadTime: readTime}, nil
}

// Destroy tombstones a message on behalf of a user. Only the sender may
// destroy a message manually, except that timed self-destruct messages may
// be destroyed by anyone taking this path early (the timer's later fire then
// finds nothing to do). Destroying an already-destroyed message is a no-op.
func (m *Messages) Destroy(group models.Group, messageID string, requester models.User) error {
	m.mu.Lock()
	msg := m.find(group.GroupID, messageID)
	if msg == nil {
		m.mu.Unlock()
		return ErrMessageNotFound
	}
	if msg.Sender != requester.PublicKey && !msg.TimedDestruct {
		m.mu.Unlock()
		return ErrForbidden
	}
	changed := tombstone(msg, TombstoneManual)
	m.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"message_id": messageID,
			"group_id":   group.GroupID,
			"user_id":    requester.UserID,
		}).Info("message destroyed")
	}
	return nil
}

// DestroyByID is the system-originated destruction path the scheduler fires
// into. The message may have been destroyed early or may never have existed;
// both are absorbed silently.
func (m *Messages) DestroyByID(groupID, messageID string) {
	m.mu.Lock()
	msg := m.find(groupID, messageID)
	changed := msg != nil && tombstone(msg, TombstoneTimed)
	m.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"message_id": messageID,
			"group_id":   groupID,
		}).Info("message destroyed by timer")
	}
}

// PendingDestructions reports every timed message that has been read but not
// yet destroyed, with its original fire time. Timers do not survive a
// process restart, so restore re-arms from this.
func (m *Messages) PendingDestructions() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Pending
	for groupID, msgs := range m.byGroup {
		for _, msg := range msgs {
			if !msg.TimedDestruct || msg.Destroyed || len(msg.ReadBy) == 0 {
				continue
			}
			first := msg.ReadTimestamps[msg.ReadBy[0]]
			for _, pk := range msg.ReadBy {
				if ts := msg.ReadTimestamps[pk]; ts < first {
					first = ts
				}
			}
			out = append(out, Pending{
				GroupID:   groupID,
				MessageID: msg.ID,
				FireAt:    time.UnixMilli(first).Add(time.Duration(msg.DeleteAfterSeconds) * time.Second),
			})
		}
	}
	return out
}

// Export copies out every group's message list for snapshotting.
func (m *Messages) Export() map[string][]models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]models.Message, len(m.byGroup))
	for groupID, msgs := range m.byGroup {
		copied := make([]models.Message, 0, len(msgs))
		for _, msg := range msgs {
			copied = append(copied, cloneMessage(msg))
		}
		out[groupID] = copied
	}
	return out
}

// Import replaces the collection with restored message lists.
func (m *Messages) Import(byGroup map[string][]models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byGroup = make(map[string][]*models.Message, len(byGroup))
	for groupID, msgs := range byGroup {
		list := make([]*models.Message, 0, len(msgs))
		for i := range msgs {
			msg := msgs[i]
			if msg.ReadBy == nil {
				msg.ReadBy = []string{}
			}
			if msg.ReadTimestamps == nil {
				msg.ReadTimestamps = map[string]int64{}
			}
			list = append(list, &msg)
		}
		m.byGroup[groupID] = list
	}
}

// find must be called with the lock held.
func (m *Messages) find(groupID, messageID string) *models.Message {
	for _, msg := range m.byGroup[groupID] {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}

// tombstone settles a message into its terminal state. Returns false when it
// was already destroyed. Must be called with the lock held.
func tombstone(msg *models.Message, content string) bool {
	if msg.Destroyed {
		return false
	}
	msg.Destroyed = true
	msg.Content = content
	return true
}

func cloneMessage(msg *models.Message) models.Message {
	out := *msg
	out.ReadBy = append([]string{}, msg.ReadBy...)
	out.ReadTimestamps = make(map[string]int64, len(msg.ReadTimestamps))
	for pk, ts := range msg.ReadTimestamps {
		out.ReadTimestamps[pk] = ts
	}
	if msg.EncryptionData != nil {
		enc := *msg.EncryptionData
		out.EncryptionData = &enc
	}
	return out
}
