package ws

import (
	"sync"

	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/typing"
)

// Store is the set of durable collaborators the engine consumes. The
// engine only queries membership facts and never caches them beyond a
// single authorization check.
type Store interface {
	IsMember(userID, roomID string) (bool, error)
	ListRoomsForUser(userID string) ([]models.Room, error)
	SaveMessage(msg models.Message) (models.Message, error)
	SetOnlineStatus(userID string, online bool) error
}

// Notifier reaches direct message recipients who have no live connection.
type Notifier interface {
	NotifyOffline(userID string, msg models.Message)
}

// Hub owns the transient real-time state shared across sessions: the
// presence registry, the typing tracker and the per-room broadcast groups.
// It resolves live connection handles and fans events out to them; offline
// recipients are a silent no-op since messages are durable regardless.
type Hub struct {
	store    Store
	notifier Notifier
	registry *presence.Registry[*Session]
	typing   *typing.Tracker

	mu    sync.Mutex
	rooms map[string]map[*Session]struct{}
}

func NewHub(store Store, notifier Notifier) *Hub {
	return &Hub{
		store:    store,
		notifier: notifier,
		registry: presence.NewRegistry[*Session](),
		typing:   typing.NewTracker(),
		rooms:    make(map[string]map[*Session]struct{}),
	}
}

// Subscribe adds the session to a room's broadcast group.
func (h *Hub) Subscribe(roomID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.rooms[roomID]
	if !ok {
		group = make(map[*Session]struct{})
		h.rooms[roomID] = group
	}
	group[s] = struct{}{}
}

// Unsubscribe removes the session from a room's broadcast group.
func (h *Hub) Unsubscribe(roomID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.rooms[roomID], s)
	if len(h.rooms[roomID]) == 0 {
		delete(h.rooms, roomID)
	}
}

// UnsubscribeAll removes the session from every broadcast group.
func (h *Hub) UnsubscribeAll(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for roomID, group := range h.rooms {
		delete(group, s)
		if len(group) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Subscribed reports whether the session is in the room's broadcast group.
func (h *Hub) Subscribed(roomID string, s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.rooms[roomID][s]
	return ok
}

// DeliverToRoom sends the event to every session subscribed to the room's
// broadcast group, sender included.
func (h *Hub) DeliverToRoom(roomID string, ev models.ServerEvent) {
	h.DeliverToRoomExcept(roomID, ev, nil)
}

// DeliverToRoomExcept sends the event to every subscribed session except
// skip.
func (h *Hub) DeliverToRoomExcept(roomID string, ev models.ServerEvent, skip *Session) {
	h.mu.Lock()
	group := make([]*Session, 0, len(h.rooms[roomID]))
	for s := range h.rooms[roomID] {
		if s != skip {
			group = append(group, s)
		}
	}
	h.mu.Unlock()

	for _, s := range group {
		s.send(ev)
	}
}

// DeliverToUser sends the event to the user's live handle and reports
// whether one was present. Absence is not an error.
func (h *Hub) DeliverToUser(userID string, ev models.ServerEvent) bool {
	s, ok := h.registry.Lookup(userID)
	if !ok {
		return false
	}
	s.send(ev)
	return true
}

// BroadcastAll sends the event to every active session.
func (h *Hub) BroadcastAll(ev models.ServerEvent) {
	for _, s := range h.registry.Handles() {
		s.send(ev)
	}
}

// Online returns the current online-user snapshot.
func (h *Hub) Online() []string {
	return h.registry.Online()
}
