package rooms

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/events"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/otelhelper"
)

// Relay subjects. Every gateway instance subscribes to all three and
// delivers to whatever sessions it holds locally; publishing instead of
// delivering directly keeps single- and multi-instance behavior identical.
const (
	roomSubjectPrefix    = "chat.room."
	sessionSubjectPrefix = "chat.session."
	rosterSubject        = "chat.roster"
)

// relayFrame wraps an envelope for transit between instances.
type relayFrame struct {
	Except string          `json:"except,omitempty"` // sessionId to skip (typing sender)
	Env    events.Envelope `json:"env"`
}

// Router fans events out to room members and individual sessions. With a
// relay attached, events travel over NATS so participants connected to other
// gateway instances receive them too; without one, delivery is hub-local.
type Router struct {
	hub  *Hub
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewRouter(hub *Hub) *Router {
	return &Router{hub: hub}
}

// Hub exposes the process-local membership for join/leave bookkeeping.
func (r *Router) Hub() *Hub {
	return r.hub
}

// AttachRelay subscribes this instance to the relay subjects. Must be called
// before any session is admitted.
func (r *Router) AttachRelay(nc *nats.Conn) error {
	roomSub, err := nc.Subscribe(roomSubjectPrefix+"*", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "relay room event")
		defer span.End()
		roomID := strings.TrimPrefix(msg.Subject, roomSubjectPrefix)
		var frame relayFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			slog.WarnContext(ctx, "Invalid relay room frame", "room", roomID, "error", err)
			return
		}
		r.hub.BroadcastLocal(roomID, frame.Except, frame.Env)
	})
	if err != nil {
		return err
	}
	sessionSub, err := nc.Subscribe(sessionSubjectPrefix+"*", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "relay session event")
		defer span.End()
		sessionID := strings.TrimPrefix(msg.Subject, sessionSubjectPrefix)
		var frame relayFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			slog.WarnContext(ctx, "Invalid relay session frame", "session", sessionID, "error", err)
			return
		}
		r.hub.DeliverLocal(sessionID, frame.Env)
	})
	if err != nil {
		roomSub.Unsubscribe()
		return err
	}
	rosterSub, err := nc.Subscribe(rosterSubject, func(msg *nats.Msg) {
		var frame relayFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			slog.Warn("Invalid relay roster frame", "error", err)
			return
		}
		r.hub.BroadcastAll(frame.Env)
	})
	if err != nil {
		roomSub.Unsubscribe()
		sessionSub.Unsubscribe()
		return err
	}

	r.nc = nc
	r.subs = []*nats.Subscription{roomSub, sessionSub, rosterSub}
	slog.Info("Room relay attached", "subjects", roomSubjectPrefix+"*, "+sessionSubjectPrefix+"*, "+rosterSubject)
	return nil
}

// DetachRelay unsubscribes from the relay subjects.
func (r *Router) DetachRelay() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
	r.nc = nil
}

// BroadcastToRoom delivers the event to every session admitted to the room.
func (r *Router) BroadcastToRoom(ctx context.Context, roomID string, env events.Envelope) error {
	return r.broadcast(ctx, roomID, "", env)
}

// BroadcastToRoomExcept is BroadcastToRoom minus one session — the typing
// channel excludes the sender.
func (r *Router) BroadcastToRoomExcept(ctx context.Context, roomID, exceptSessionID string, env events.Envelope) error {
	return r.broadcast(ctx, roomID, exceptSessionID, env)
}

func (r *Router) broadcast(ctx context.Context, roomID, except string, env events.Envelope) error {
	if r.nc == nil {
		r.hub.BroadcastLocal(roomID, except, env)
		return nil
	}
	// Local delivery happens through this instance's own subscription; a
	// direct local send here would double-deliver.
	data, err := json.Marshal(relayFrame{Except: except, Env: env})
	if err != nil {
		return err
	}
	return otelhelper.TracedPublish(ctx, r.nc, roomSubjectPrefix+roomID, data)
}

// SendToSession delivers the event to one session. Returns false when the
// session is unknown both locally and to the relay, so the caller can fall
// back to a queued notification.
func (r *Router) SendToSession(ctx context.Context, sessionID string, env events.Envelope) bool {
	if r.nc == nil {
		return r.hub.DeliverLocal(sessionID, env)
	}
	data, err := json.Marshal(relayFrame{Env: env})
	if err != nil {
		slog.Warn("Failed to marshal session frame", "session", sessionID, "error", err)
		return false
	}
	if err := otelhelper.TracedPublish(ctx, r.nc, sessionSubjectPrefix+sessionID, data); err != nil {
		slog.Warn("Failed to relay session event", "session", sessionID, "error", err)
		return r.hub.DeliverLocal(sessionID, env)
	}
	return true
}

// BroadcastRoster delivers the event to every connected session on every
// instance.
func (r *Router) BroadcastRoster(ctx context.Context, env events.Envelope) error {
	if r.nc == nil {
		r.hub.BroadcastAll(env)
		return nil
	}
	data, err := json.Marshal(relayFrame{Env: env})
	if err != nil {
		return err
	}
	return otelhelper.TracedPublish(ctx, r.nc, rosterSubject, data)
}
