// Package pipeline orchestrates a message send: persist, fan out to the
// room, then decide whether the recipient needs an alert on top of the room
// broadcast.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/events"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/notify"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/presence"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/rooms"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/store"
)

// ErrPersistenceFailed aborts a send: nothing was broadcast and the sender
// must be told.
var ErrPersistenceFailed = errors.New("pipeline: message persistence failed")

// Notifier queues a notification for asynchronous delivery.
type Notifier interface {
	Enqueue(ctx context.Context, ch notify.Channel, n notify.Notification) error
}

// Pipeline wires the conversation store, the router, and the presence
// registry into the send path.
type Pipeline struct {
	store    store.Conversations
	router   *rooms.Router
	registry *presence.Registry
	notifier Notifier // nil disables queued notifications

	sentCounter       metric.Int64Counter
	notifiedCounter   metric.Int64Counter
	suppressedCounter metric.Int64Counter
}

func New(conversations store.Conversations, router *rooms.Router, registry *presence.Registry, notifier Notifier) *Pipeline {
	meter := otel.Meter("delivery-pipeline")
	sent, _ := meter.Int64Counter("messages_sent_total",
		metric.WithDescription("Messages persisted and broadcast"))
	notified, _ := meter.Int64Counter("message_notifications_total",
		metric.WithDescription("Targeted or queued new-message notifications"))
	suppressed, _ := meter.Int64Counter("message_notifications_suppressed_total",
		metric.WithDescription("Notifications suppressed because the recipient had the room focused"))
	return &Pipeline{
		store:             conversations,
		router:            router,
		registry:          registry,
		notifier:          notifier,
		sentCounter:       sent,
		notifiedCounter:   notified,
		suppressedCounter: suppressed,
	}
}

// HandleSend persists the message, broadcasts it to the room, and raises a
// notification when the recipient is not already looking at the
// conversation. The room broadcast always precedes any notification, so a
// participant in the room sees the message through the room channel first.
func (p *Pipeline) HandleSend(ctx context.Context, sender rooms.Session, recipientID, body string) (store.Message, error) {
	who := sender.Identity()
	roomID, err := rooms.DeriveRoomID(who.ID, recipientID)
	if err != nil {
		return store.Message{}, err
	}

	first, second := who.ID, recipientID
	if first > second {
		first, second = second, first
	}
	if err := p.store.EnsureRoom(ctx, roomID, first, second); err != nil {
		return store.Message{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	msg, err := p.store.SaveMessage(ctx, roomID, who.ID, recipientID, body)
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	msg.SenderName = who.DisplayName

	env, err := events.New(events.ReceiveMessage, msg)
	if err != nil {
		return store.Message{}, err
	}
	if err := p.router.BroadcastToRoom(ctx, roomID, env); err != nil {
		slog.WarnContext(ctx, "Room broadcast failed", "room", roomID, "error", err)
	}
	p.sentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room", roomID)))

	p.maybeNotify(ctx, who.ID, who.DisplayName, recipientID, roomID, body, msg.CreatedAt)
	return msg, nil
}

// maybeNotify reads the registry and either targets the recipient's
// session, suppresses the alert, or queues it. Registry failures degrade to
// treating the recipient as offline; they never fail the send.
func (p *Pipeline) maybeNotify(ctx context.Context, senderID, senderName, recipientID, roomID, body string, createdAt time.Time) {
	online, err := p.registry.IsOnline(recipientID)
	if err != nil {
		slog.WarnContext(ctx, "Presence lookup failed, treating recipient as offline",
			"recipient", recipientID, "error", err)
		online = false
	}

	if online {
		if activeRoom, ok, err := p.registry.ActiveRoom(recipientID); err == nil && ok && activeRoom == roomID {
			// Recipient is looking at this conversation; the room broadcast
			// already reached them.
			p.suppressedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room", roomID)))
			return
		}

		sessionID, ok, err := p.registry.SessionID(recipientID)
		if err == nil && ok {
			env := events.MustNew(events.NewMessageNotification, events.NewMessageNotificationPayload{
				SenderID:       senderID,
				SenderUsername: senderName,
				Message:        body,
				ChatRoomID:     roomID,
			})
			if p.router.SendToSession(ctx, sessionID, env) {
				p.notifiedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("room", roomID),
					attribute.String("kind", "targeted"),
				))
				return
			}
		}
		// Online per the registry but unreachable: fall through to the queue.
	}

	if p.notifier == nil {
		return
	}
	channel := notify.ChannelEmail
	if online {
		channel = notify.ChannelInApp
	}
	err = p.notifier.Enqueue(ctx, channel, notify.Notification{
		RecipientID: recipientID,
		SenderID:    senderID,
		SenderName:  senderName,
		RoomID:      roomID,
		Body:        body,
		CreatedAt:   createdAt,
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to queue notification", "recipient", recipientID, "error", err)
		return
	}
	p.notifiedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("room", roomID),
		attribute.String("kind", "queued"),
	))
}
