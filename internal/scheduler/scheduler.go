// Package scheduler runs one-shot message destruction timers. Entries carry
// only a (group id, message id) pair, never a live message handle: the
// message may have been destroyed early by its sender, which the fire
// handler treats as already satisfied.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DestroyFunc tombstones the identified message. It must tolerate the
// message being missing or already destroyed.
type DestroyFunc func(groupID, messageID string)

type entry struct {
	groupID   string
	messageID string
	fireAt    time.Time
}

// entryHeap is a min-heap ordered by fire time.
type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler drains a min-heap of pending destructions with a single
// goroutine and a reset timer. There is no cancellation: an early manual
// destroy simply makes the eventual fire a no-op.
type Scheduler struct {
	mu      sync.Mutex
	pending entryHeap
	wake    chan struct{}
	stop    chan struct{}
	running bool
	destroy DestroyFunc
}

func New(destroy DestroyFunc) *Scheduler {
	return &Scheduler{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		destroy: destroy,
	}
}

// Schedule registers a destruction at fireAt. Safe to call before Start;
// entries queued early fire once the scheduler runs.
func (s *Scheduler) Schedule(groupID, messageID string, fireAt time.Time) {
	s.mu.Lock()
	heap.Push(&s.pending, entry{groupID: groupID, messageID: messageID, fireAt: fireAt})
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"message_id": messageID,
		"group_id":   groupID,
		"fire_at":    fireAt,
	}).Debug("destruction scheduled")

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the timer loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
}

// Stop halts the timer loop. Pending entries are dropped; they are
// reconstructed from store state on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
}

func (s *Scheduler) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := s.nextFire()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			timer.Reset(time.Until(next))
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-timer.C:
			s.fireDue()
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

// nextFire peeks at the earliest pending entry.
func (s *Scheduler) nextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return time.Time{}, false
	}
	return s.pending[0].fireAt, true
}

// fireDue pops and fires every entry whose time has come. The destroy
// callback runs outside the scheduler lock.
func (s *Scheduler) fireDue() {
	now := time.Now()

	var due []entry
	s.mu.Lock()
	for len(s.pending) > 0 && !s.pending[0].fireAt.After(now) {
		due = append(due, heap.Pop(&s.pending).(entry))
	}
	s.mu.Unlock()

	for _, e := range due {
		s.destroy(e.groupID, e.messageID)
	}
}
