package rooms

import (
	"log/slog"
	"sync"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/events"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/identity"
)

// Session is the narrow capability a routed connection must provide. Routing
// code depends only on this interface, never on a transport implementation.
type Session interface {
	ID() string
	Identity() identity.Identity
	Send(env events.Envelope) error
	Close() error
}

// Hub owns the process-local broadcast groups. A session is in at most one
// room at a time; joining another room implicitly leaves the previous one.
// Membership here is process-local state — cross-instance agreement lives in
// the presence registry, not in the hub.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]Session         // sessionId -> session
	rooms    map[string]map[string]bool // roomId -> set of sessionIds
	joined   map[string]string          // sessionId -> roomId
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]Session),
		rooms:    make(map[string]map[string]bool),
		joined:   make(map[string]string),
	}
}

// Register makes the session addressable for targeted delivery.
func (h *Hub) Register(s Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()
}

// Unregister drops the session and any room membership it held.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID)
	delete(h.sessions, sessionID)
}

// Join admits a registered session to a room. Idempotent; a second join to
// the same room is a no-op, a join to a different room leaves the first.
func (h *Hub) Join(sessionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		return
	}
	if current, ok := h.joined[sessionID]; ok {
		if current == roomID {
			return
		}
		h.leaveLocked(sessionID)
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]bool)
	}
	h.rooms[roomID][sessionID] = true
	h.joined[sessionID] = roomID
}

// Leave removes the session from the room. Idempotent.
func (h *Hub) Leave(sessionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.joined[sessionID] == roomID {
		h.leaveLocked(sessionID)
	}
}

func (h *Hub) leaveLocked(sessionID string) {
	roomID, ok := h.joined[sessionID]
	if !ok {
		return
	}
	delete(h.joined, sessionID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// RoomOf reports which room the session currently has joined.
func (h *Hub) RoomOf(sessionID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	roomID, ok := h.joined[sessionID]
	return roomID, ok
}

// DeliverLocal sends the event to one locally known session. Returns false
// when the session does not live on this instance.
func (h *Hub) DeliverLocal(sessionID string, env events.Envelope) bool {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if err := s.Send(env); err != nil {
		slog.Warn("Failed to deliver event to session", "session", sessionID, "event", env.Event, "error", err)
	}
	return true
}

// BroadcastLocal delivers the event to every local session admitted to the
// room, except the one named by exceptSessionID (empty means no exclusion).
func (h *Hub) BroadcastLocal(roomID, exceptSessionID string, env events.Envelope) {
	h.mu.RLock()
	targets := make([]Session, 0, len(h.rooms[roomID]))
	for sessionID := range h.rooms[roomID] {
		if sessionID == exceptSessionID {
			continue
		}
		if s, ok := h.sessions[sessionID]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(env); err != nil {
			slog.Warn("Failed to broadcast event to session", "session", s.ID(), "room", roomID, "event", env.Event, "error", err)
		}
	}
}

// BroadcastAll delivers the event to every local session, joined or not.
// Used for the online-users roster.
func (h *Hub) BroadcastAll(env events.Envelope) {
	h.mu.RLock()
	targets := make([]Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(env); err != nil {
			slog.Warn("Failed to broadcast roster to session", "session", s.ID(), "event", env.Event, "error", err)
		}
	}
}
