// Package notify hands decided notifications to the durable dispatcher
// queue. The real-time core only decides that a notification is due; a
// JetStream stream carries it onward to the delivery workers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/otelhelper"
)

const (
	// StreamName is the durable notification stream.
	StreamName = "NOTIFICATIONS"
	// SubjectRoot scopes every notification subject:
	// notify.{channel}.{recipientId}.
	SubjectRoot = "notify"
)

// Channel selects the delivery path a worker should use.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelInApp Channel = "inapp"
)

// Notification is the queued payload.
type Notification struct {
	RecipientID string    `json:"recipientId"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderUsername,omitempty"`
	RoomID      string    `json:"chatRoomId"`
	Body        string    `json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Queue publishes notifications into the stream.
type Queue struct {
	nc *nats.Conn
}

// NewQueue ensures the stream exists and returns a publisher bound to it.
func NewQueue(ctx context.Context, nc *nats.Conn) (*Queue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectRoot + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   100_000,
		MaxAge:    72 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create notifications stream: %w", err)
	}
	return &Queue{nc: nc}, nil
}

// Enqueue publishes one notification onto the channel's subject. Durable
// once accepted by the stream; delivery is the worker's problem.
func (q *Queue) Enqueue(ctx context.Context, ch Channel, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", SubjectRoot, ch, n.RecipientID)
	if err := otelhelper.TracedPublish(ctx, q.nc, subject, data); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}
