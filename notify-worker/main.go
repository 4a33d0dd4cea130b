// notify-worker drains the NOTIFICATIONS stream and dispatches each entry
// on its channel. Email and in-app delivery are downstream integrations;
// this worker owns the queue semantics: explicit ack, redelivery on failure.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/notify"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/otelhelper"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	otelShutdown, err := otelhelper.Init(ctx, "notify-worker")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("notify-worker")
	dispatchedCounter, _ := meter.Int64Counter("notifications_dispatched_total")
	errorCounter, _ := meter.Int64Counter("notifications_dispatch_errors_total")

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "notify-worker")
	natsPass := envOrDefault("NATS_PASS", "notify-worker-secret")

	slog.Info("Starting Notify Worker", "nats_url", natsURL)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("notify-worker"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	if _, err := notify.NewQueue(ctx, nc); err != nil {
		slog.Error("Failed to ensure notifications stream", "error", err)
		os.Exit(1)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	stream, err := js.Stream(ctx, notify.StreamName)
	if err != nil {
		slog.Error("Failed to get stream", "error", err)
		os.Exit(1)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "notify-worker",
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		slog.Error("Failed to create consumer", "error", err)
		os.Exit(1)
	}
	slog.Info("JetStream consumer ready", "name", "notify-worker")

	// Consume notifications with tracing
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		natsMsg := &nats.Msg{
			Subject: msg.Subject(),
			Data:    msg.Data(),
			Header:  msg.Headers(),
		}
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), natsMsg, "dispatch notification")
		defer span.End()

		channel := channelFromSubject(msg.Subject())

		var n notify.Notification
		if err := json.Unmarshal(msg.Data(), &n); err != nil {
			slog.WarnContext(ctx, "Failed to unmarshal notification", "error", err, "subject", msg.Subject())
			span.RecordError(err)
			msg.Ack()
			return
		}

		span.SetAttributes(
			attribute.String("notify.channel", string(channel)),
			attribute.String("notify.recipient", n.RecipientID),
		)

		if err := dispatch(ctx, channel, n); err != nil {
			slog.ErrorContext(ctx, "Failed to dispatch notification",
				"error", err, "channel", channel, "recipient", n.RecipientID)
			span.RecordError(err)
			errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", string(channel))))
			msg.Nak()
			return
		}

		dispatchedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", string(channel))))
		msg.Ack()
	})
	if err != nil {
		slog.Error("Failed to start consumer", "error", err)
		os.Exit(1)
	}
	defer cc.Stop()

	slog.Info("Consuming notifications", "stream", notify.StreamName)

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down notify worker")
}

// channelFromSubject extracts the channel token from
// notify.{channel}.{recipientId}.
func channelFromSubject(subject string) notify.Channel {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 {
		return notify.Channel("unknown")
	}
	return notify.Channel(parts[1])
}

// dispatch hands the notification to the channel's delivery integration.
// Only structured-log delivery is wired; the mail and push senders hang off
// this switch.
func dispatch(ctx context.Context, channel notify.Channel, n notify.Notification) error {
	switch channel {
	case notify.ChannelEmail:
		slog.InfoContext(ctx, "Email notification",
			"recipient", n.RecipientID, "sender", n.SenderName, "room", n.RoomID)
	case notify.ChannelInApp:
		slog.InfoContext(ctx, "In-app notification",
			"recipient", n.RecipientID, "sender", n.SenderName, "room", n.RoomID)
	default:
		slog.WarnContext(ctx, "Notification on unknown channel",
			"channel", channel, "recipient", n.RecipientID)
	}
	return nil
}
