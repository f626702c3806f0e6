// Package ws pushes message lifecycle events to connected group members over
// websockets, replacing client-side polling. Delivery is best-effort; the
// stores remain the source of truth.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/emberchat/ember/internal/store"
)

// Event types broadcast to group members.
const (
	EventMessage          = "message"
	EventMessageRead      = "messageRead"
	EventMessageDestroyed = "messageDestroyed"
)

// Event is a notification scoped to one group.
type Event struct {
	Type    string      `json:"type"`
	GroupID string      `json:"groupId"`
	Payload interface{} `json:"payload,omitempty"`
}

type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool

	// Inbound events to fan out.
	events chan Event

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	groups *store.Groups
	stop   chan struct{}
}

func NewHub(groups *store.Groups) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		events:     make(chan Event, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		groups:     groups,
		stop:       make(chan struct{}),
	}
}

// Broadcast queues an event for delivery to every connected member of the
// event's group. Never blocks request handling: the queue drops on overflow.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.events <- ev:
	case <-h.stop:
	default:
		logrus.WithField("group_id", ev.GroupID).Warn("event queue full, dropping event")
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.drop(client)
		case ev := <-h.events:
			h.deliver(ev)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) Stop() {
	close(h.stop)
}

// deliver fans an event out to connected clients, re-checking group
// membership per client so a connection never outlives its authorization.
func (h *Hub) deliver(ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		logrus.WithError(err).Error("encoding event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		ok, err := h.groups.IsMember(ev.GroupID, client.publicKey)
		if err != nil || !ok {
			continue
		}
		select {
		case client.send <- raw:
		default:
			// Slow consumer: cut it loose rather than stall the hub.
			close(client.send)
			delete(h.clients, client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}
