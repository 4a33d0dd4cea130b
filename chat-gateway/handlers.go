package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/events"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/identity"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/otelhelper"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/pipeline"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/presence"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/rooms"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/store"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/typing"
)

const historyLimit = 100

// gateway owns every live session on this instance and routes inbound
// events to the core packages.
type gateway struct {
	gate     identity.Gate
	registry *presence.Registry
	hub      *rooms.Hub
	router   *rooms.Router
	store    store.Conversations
	pipeline *pipeline.Pipeline
	typing   *typing.Channel
	breaker  *CircuitBreaker

	upgrader       websocket.Upgrader
	heartbeatEvery time.Duration

	eventCounter     metric.Int64Counter
	errorCounter     metric.Int64Counter
	dispatchDuration metric.Float64Histogram
}

func newGateway(
	gate identity.Gate,
	registry *presence.Registry,
	router *rooms.Router,
	conversations store.Conversations,
	p *pipeline.Pipeline,
	t *typing.Channel,
	breaker *CircuitBreaker,
	heartbeatEvery time.Duration,
) *gateway {
	meter := otel.Meter("chat-gateway")
	eventCounter, _ := meter.Int64Counter("gateway_events_total",
		metric.WithDescription("Inbound session events by name"))
	errorCounter, _ := meter.Int64Counter("gateway_event_errors_total",
		metric.WithDescription("Session events that ended in an error reply"))
	dispatchDuration, _ := otelhelper.NewDurationHistogram(meter, "gateway_event_duration_seconds",
		"Time to handle one inbound session event")
	return &gateway{
		gate:     gate,
		registry: registry,
		hub:      router.Hub(),
		router:   router,
		store:    conversations,
		pipeline: p,
		typing:   t,
		breaker:  breaker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		heartbeatEvery:   heartbeatEvery,
		eventCounter:     eventCounter,
		errorCounter:     errorCounter,
		dispatchDuration: dispatchDuration,
	}
}

// registryCall runs a presence store operation behind the circuit breaker.
// An open breaker short-circuits to ErrStoreUnavailable; callers degrade
// the same way they would for a real store failure.
func (g *gateway) registryCall(fn func() error) error {
	if g.breaker != nil && !g.breaker.Allow() {
		return presence.ErrStoreUnavailable
	}
	err := fn()
	if g.breaker != nil {
		if errors.Is(err, presence.ErrStoreUnavailable) {
			g.breaker.RecordFailure()
		} else {
			g.breaker.RecordSuccess()
		}
	}
	return err
}

// connect admits a session: presence registration, roster broadcast, and
// the initial unread count. Called once per connection before the read loop.
func (g *gateway) connect(ctx context.Context, sess rooms.Session) error {
	who := sess.Identity()

	if err := g.store.UpsertUser(ctx, who.ID, who.DisplayName); err != nil {
		slog.WarnContext(ctx, "User upsert failed", "user", who.ID, "error", err)
	}

	if err := g.registryCall(func() error { return g.registry.Register(who.ID, sess.ID()) }); err != nil {
		return err
	}
	g.hub.Register(sess)
	slog.InfoContext(ctx, "Session connected", "user", who.ID, "session", sess.ID())

	g.broadcastRoster(ctx)

	if count, err := g.store.UnreadCount(ctx, who.ID); err == nil {
		sess.Send(events.MustNew(events.UnreadCount, events.UnreadCountPayload{Count: count}))
	} else {
		slog.WarnContext(ctx, "Unread count lookup failed", "user", who.ID, "error", err)
	}
	return nil
}

// disconnect tears the session down: presence cleared, membership dropped,
// roster rebroadcast. Idempotent, safe on an unclean close.
func (g *gateway) disconnect(ctx context.Context, sess rooms.Session) {
	who := sess.Identity()

	if err := g.registryCall(func() error { return g.registry.ClearSession(who.ID, sess.ID()) }); err != nil {
		slog.WarnContext(ctx, "Presence clear failed, record will expire by TTL", "user", who.ID, "error", err)
	}
	g.hub.Unregister(sess.ID())
	sess.Close()
	slog.InfoContext(ctx, "Session disconnected", "user", who.ID, "session", sess.ID())

	g.broadcastRoster(ctx)
}

func (g *gateway) broadcastRoster(ctx context.Context) {
	var ids []string
	err := g.registryCall(func() error {
		var listErr error
		ids, listErr = g.registry.ListOnline()
		return listErr
	})
	if err != nil {
		slog.WarnContext(ctx, "Online roster unavailable", "error", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	g.router.BroadcastRoster(ctx, events.MustNew(events.OnlineUsers, events.OnlineUsersPayload{IDs: ids}))
}

// dispatch routes one inbound envelope to its handler. Every failure comes
// back to the session as an error event; nothing here kills the connection.
func (g *gateway) dispatch(ctx context.Context, sess rooms.Session, env events.Envelope) {
	start := time.Now()
	g.eventCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", env.Event)))
	defer func() {
		g.dispatchDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("event", env.Event)))
	}()

	var err error
	switch env.Event {
	case events.JoinChat:
		err = withPayload(env, func(p events.JoinChatPayload) error {
			return g.handleJoin(ctx, sess, p.RecipientID)
		})
	case events.LeaveChat:
		err = withPayload(env, func(p events.LeaveChatPayload) error {
			return g.handleLeave(ctx, sess, p.RecipientID)
		})
	case events.SendMessage:
		err = withPayload(env, func(p events.SendMessagePayload) error {
			return g.handleSend(ctx, sess, p)
		})
	case events.TypingSignal:
		err = withPayload(env, func(p events.TypingPayload) error {
			return g.typing.SetTyping(ctx, sess, p.RecipientID, p.IsTyping)
		})
	case events.MarkAsRead:
		err = withPayload(env, func(p events.MarkAsReadPayload) error {
			return g.handleMarkAsRead(ctx, sess, p.RecipientID)
		})
	case events.DeleteMessage:
		err = withPayload(env, func(p events.DeleteMessagePayload) error {
			return g.handleDeleteMessage(ctx, sess, p.MessageID)
		})
	case events.SearchMessages:
		err = withPayload(env, func(p events.SearchMessagesPayload) error {
			return g.handleSearch(ctx, sess, p.SearchTerm)
		})
	case events.CheckUserStatus:
		err = withPayload(env, func(p events.CheckUserStatusPayload) error {
			return g.handleCheckStatus(ctx, sess, p.TargetUserID)
		})
	case events.GetChatRooms:
		err = g.handleGetChatRooms(ctx, sess)
	default:
		err = errors.New("unknown event: " + env.Event)
	}

	if err != nil {
		g.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", env.Event)))
		slog.WarnContext(ctx, "Event failed", "event", env.Event, "user", sess.Identity().ID, "error", err)
		sess.Send(events.MustNew(events.ErrorEvent, events.ErrorPayload{Message: publicError(env.Event, err)}))
	}
}

func withPayload[T any](env events.Envelope, fn func(T) error) error {
	var p T
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return errors.New("malformed payload")
		}
	}
	return fn(p)
}

// publicError maps internal failures to the client-facing message. Internal
// detail stays in the logs.
func publicError(event string, err error) string {
	switch {
	case errors.Is(err, rooms.ErrSelfChat), errors.Is(err, rooms.ErrInvalidIdentity):
		return "invalid recipient"
	case errors.Is(err, pipeline.ErrPersistenceFailed):
		return "failed to send message"
	case errors.Is(err, presence.ErrStoreUnavailable):
		return "presence unavailable"
	default:
		return "failed to handle " + event
	}
}

// handleJoin puts the session in the pair's room, marks the backlog read,
// and replies with the room id plus history. Focus (activeRoomId) moves to
// this room, so notifications for it are suppressed from here on.
func (g *gateway) handleJoin(ctx context.Context, sess rooms.Session, recipientID string) error {
	who := sess.Identity()
	roomID, err := rooms.DeriveRoomID(who.ID, recipientID)
	if err != nil {
		return err
	}

	first, second := who.ID, recipientID
	if first > second {
		first, second = second, first
	}
	if err := g.store.EnsureRoom(ctx, roomID, first, second); err != nil {
		return err
	}

	g.hub.Join(sess.ID(), roomID)
	if err := g.registryCall(func() error { return g.registry.SetActiveRoom(who.ID, roomID) }); err != nil {
		slog.WarnContext(ctx, "Active room not recorded, notifications may duplicate", "user", who.ID, "error", err)
	}

	history, err := g.store.History(ctx, roomID, historyLimit)
	if err != nil {
		return err
	}
	if err := g.store.MarkRead(ctx, roomID, who.ID); err != nil {
		slog.WarnContext(ctx, "Mark read on join failed", "user", who.ID, "room", roomID, "error", err)
	}
	if history == nil {
		history = []store.Message{}
	}

	if err := sess.Send(events.MustNew(events.ChatJoined, events.ChatJoinedPayload{
		ChatRoomID:  roomID,
		RecipientID: recipientID,
		ChatHistory: history,
	})); err != nil {
		return err
	}

	g.sendUnreadCount(ctx, sess)
	return nil
}

// handleLeave drops room membership and clears focus. Idempotent.
func (g *gateway) handleLeave(ctx context.Context, sess rooms.Session, recipientID string) error {
	who := sess.Identity()
	roomID, err := rooms.DeriveRoomID(who.ID, recipientID)
	if err != nil {
		return err
	}

	g.hub.Leave(sess.ID(), roomID)
	if err := g.registryCall(func() error { return g.registry.SetActiveRoom(who.ID, "") }); err != nil {
		slog.WarnContext(ctx, "Active room not cleared", "user", who.ID, "error", err)
	}
	return nil
}

func (g *gateway) handleSend(ctx context.Context, sess rooms.Session, p events.SendMessagePayload) error {
	if p.Message == "" {
		return errors.New("empty message")
	}
	_, err := g.pipeline.HandleSend(ctx, sess, p.RecipientID, p.Message)
	return err
}

// handleMarkAsRead flags the room's backlog as read, refreshes the reader's
// unread badge, and tells the other party their messages were seen.
func (g *gateway) handleMarkAsRead(ctx context.Context, sess rooms.Session, recipientID string) error {
	who := sess.Identity()
	roomID, err := rooms.DeriveRoomID(who.ID, recipientID)
	if err != nil {
		return err
	}

	if err := g.store.MarkRead(ctx, roomID, who.ID); err != nil {
		return err
	}
	g.sendUnreadCount(ctx, sess)

	var sessionID string
	var ok bool
	err = g.registryCall(func() error {
		var lookupErr error
		sessionID, ok, lookupErr = g.registry.SessionID(recipientID)
		return lookupErr
	})
	if err == nil && ok {
		g.router.SendToSession(ctx, sessionID, events.MustNew(events.MessagesRead, events.MessagesReadPayload{
			UserID:     who.ID,
			ChatRoomID: roomID,
		}))
	}
	return nil
}

// handleDeleteMessage removes the message if the caller authored it and
// tells the room. Deleting someone else's message is an error, not a no-op.
func (g *gateway) handleDeleteMessage(ctx context.Context, sess rooms.Session, messageID int64) error {
	who := sess.Identity()
	msg, ok, err := g.store.Delete(ctx, messageID, who.ID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("message not found or not owned")
	}

	return g.router.BroadcastToRoom(ctx, msg.RoomID, events.MustNew(events.MessageDeleted, events.MessageDeletedPayload{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
	}))
}

func (g *gateway) handleSearch(ctx context.Context, sess rooms.Session, term string) error {
	if term == "" {
		return errors.New("empty search term")
	}
	results, err := g.store.Search(ctx, sess.Identity().ID, term)
	if err != nil {
		return err
	}
	if results == nil {
		results = []store.Message{}
	}
	return sess.Send(events.MustNew(events.SearchResults, events.SearchResultsPayload{Results: results}))
}

// handleCheckStatus answers from the registry; an unavailable registry
// degrades to offline instead of failing the query.
func (g *gateway) handleCheckStatus(ctx context.Context, sess rooms.Session, targetUserID string) error {
	var online bool
	err := g.registryCall(func() error {
		var lookupErr error
		online, lookupErr = g.registry.IsOnline(targetUserID)
		return lookupErr
	})
	if err != nil {
		slog.WarnContext(ctx, "Status lookup degraded to offline", "target", targetUserID, "error", err)
		online = false
	}
	return sess.Send(events.MustNew(events.UserStatus, events.UserStatusPayload{
		TargetUserID: targetUserID,
		IsOnline:     online,
	}))
}

func (g *gateway) handleGetChatRooms(ctx context.Context, sess rooms.Session) error {
	summaries, err := g.store.RoomsFor(ctx, sess.Identity().ID)
	if err != nil {
		return err
	}
	if summaries == nil {
		summaries = []store.RoomSummary{}
	}
	return sess.Send(events.MustNew(events.ChatRoomsList, events.ChatRoomsListPayload{ChatRooms: summaries}))
}

func (g *gateway) sendUnreadCount(ctx context.Context, sess rooms.Session) {
	count, err := g.store.UnreadCount(ctx, sess.Identity().ID)
	if err != nil {
		slog.WarnContext(ctx, "Unread count lookup failed", "user", sess.Identity().ID, "error", err)
		return
	}
	sess.Send(events.MustNew(events.UnreadCount, events.UnreadCountPayload{Count: count}))
}
