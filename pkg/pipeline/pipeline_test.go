package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/events"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/identity"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/kv"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/notify"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/presence"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/rooms"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/store"
)

type fakeSession struct {
	id  string
	who identity.Identity

	mu       sync.Mutex
	received []events.Envelope
}

func (s *fakeSession) ID() string                  { return s.id }
func (s *fakeSession) Identity() identity.Identity { return s.who }
func (s *fakeSession) Close() error                { return nil }

func (s *fakeSession) Send(env events.Envelope) error {
	s.mu.Lock()
	s.received = append(s.received, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.received))
	for i, env := range s.received {
		names[i] = env.Event
	}
	return names
}

// memStore is an in-memory Conversations used to drive the pipeline.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	messages []store.Message
	failSave bool
}

func (m *memStore) UpsertUser(context.Context, string, string) error { return nil }

func (m *memStore) EnsureRoom(context.Context, string, string, string) error { return nil }

func (m *memStore) SaveMessage(_ context.Context, roomID, senderID, recipientID, body string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return store.Message{}, store.ErrUnavailable
	}
	m.nextID++
	msg := store.Message{
		ID:          m.nextID,
		RoomID:      roomID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		CreatedAt:   time.Unix(1_700_000_000, 0).Add(time.Duration(m.nextID) * time.Second),
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *memStore) History(context.Context, string, int) ([]store.Message, error) { return nil, nil }
func (m *memStore) MarkRead(context.Context, string, string) error                { return nil }
func (m *memStore) UnreadCount(context.Context, string) (int, error)              { return 0, nil }
func (m *memStore) Delete(context.Context, int64, string) (store.Message, bool, error) {
	return store.Message{}, false, nil
}
func (m *memStore) Search(context.Context, string, string) ([]store.Message, error) { return nil, nil }
func (m *memStore) RoomsFor(context.Context, string) ([]store.RoomSummary, error)   { return nil, nil }

type queuedNotification struct {
	channel notify.Channel
	n       notify.Notification
}

type fakeNotifier struct {
	mu     sync.Mutex
	queued []queuedNotification
}

func (f *fakeNotifier) Enqueue(_ context.Context, ch notify.Channel, n notify.Notification) error {
	f.mu.Lock()
	f.queued = append(f.queued, queuedNotification{channel: ch, n: n})
	f.mu.Unlock()
	return nil
}

type fixture struct {
	pipeline *Pipeline
	hub      *rooms.Hub
	registry *presence.Registry
	store    *memStore
	notifier *fakeNotifier
	sender   *fakeSession
	receiver *fakeSession
}

func newFixture() *fixture {
	hub := rooms.NewHub()
	router := rooms.NewRouter(hub)
	registry := presence.NewRegistry(kv.NewMem(time.Hour), time.Hour)
	ms := &memStore{}
	fn := &fakeNotifier{}

	sender := &fakeSession{id: "sa", who: identity.Identity{ID: "u1", DisplayName: "alice"}}
	receiver := &fakeSession{id: "sb", who: identity.Identity{ID: "u2", DisplayName: "bob"}}
	hub.Register(sender)
	hub.Register(receiver)
	registry.Register("u1", "sa")
	registry.Register("u2", "sb")

	return &fixture{
		pipeline: New(ms, router, registry, fn),
		hub:      hub,
		registry: registry,
		store:    ms,
		notifier: fn,
		sender:   sender,
		receiver: receiver,
	}
}

func TestHandleSend_BroadcastToJoinedRoom(t *testing.T) {
	f := newFixture()
	f.hub.Join("sa", "u1-u2")
	f.hub.Join("sb", "u1-u2")
	f.registry.SetActiveRoom("u2", "u1-u2")

	msg, err := f.pipeline.HandleSend(context.Background(), f.sender, "u2", "hi")
	if err != nil {
		t.Fatalf("HandleSend: %v", err)
	}
	if msg.ID == 0 || msg.RoomID != "u1-u2" || msg.CreatedAt.IsZero() {
		t.Errorf("message = %+v, want server-assigned id and timestamp", msg)
	}

	for _, s := range []*fakeSession{f.sender, f.receiver} {
		got := s.eventNames()
		if len(got) != 1 || got[0] != events.ReceiveMessage {
			t.Errorf("session %s events = %v, want [receive-message]", s.id, got)
		}
	}

	var payload store.Message
	json.Unmarshal(f.receiver.received[0].Data, &payload)
	if payload.RoomID != "u1-u2" || payload.Body != "hi" || payload.SenderName != "alice" {
		t.Errorf("broadcast payload = %+v", payload)
	}
}

func TestHandleSend_SuppressesNotificationWhenRoomFocused(t *testing.T) {
	f := newFixture()
	f.hub.Join("sa", "u1-u2")
	f.hub.Join("sb", "u1-u2")
	f.registry.SetActiveRoom("u2", "u1-u2")

	if _, err := f.pipeline.HandleSend(context.Background(), f.sender, "u2", "hi"); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}

	for _, env := range f.receiver.received {
		if env.Event == events.NewMessageNotification {
			t.Error("notification raised although the recipient had the room focused")
		}
	}
	if len(f.notifier.queued) != 0 {
		t.Errorf("queued notifications = %d, want 0", len(f.notifier.queued))
	}
}

func TestHandleSend_NotifiesWhenFocusedElsewhere(t *testing.T) {
	f := newFixture()
	f.hub.Join("sa", "u1-u2")
	f.hub.Join("sb", "u1-u2")
	f.registry.SetActiveRoom("u2", "u2-u3")

	if _, err := f.pipeline.HandleSend(context.Background(), f.sender, "u2", "hi"); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}

	got := f.receiver.eventNames()
	if len(got) != 2 || got[0] != events.ReceiveMessage || got[1] != events.NewMessageNotification {
		t.Errorf("receiver events = %v, want room broadcast first, then notification", got)
	}

	var payload events.NewMessageNotificationPayload
	json.Unmarshal(f.receiver.received[1].Data, &payload)
	if payload.SenderID != "u1" || payload.SenderUsername != "alice" || payload.Message != "hi" {
		t.Errorf("notification payload = %+v", payload)
	}
}

func TestHandleSend_NotifiesUnjoinedRecipient(t *testing.T) {
	f := newFixture()
	f.hub.Join("sa", "u1-u2")
	// u2 is connected but has not joined the room.

	if _, err := f.pipeline.HandleSend(context.Background(), f.sender, "u2", "hi"); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}

	got := f.receiver.eventNames()
	if len(got) != 1 || got[0] != events.NewMessageNotification {
		t.Errorf("receiver events = %v, want [new-message-notification]", got)
	}
}

func TestHandleSend_QueuesEmailWhenOffline(t *testing.T) {
	f := newFixture()
	f.hub.Join("sa", "u1-u2")
	f.hub.Unregister("sb")
	f.registry.Clear("u2")

	if _, err := f.pipeline.HandleSend(context.Background(), f.sender, "u2", "hi"); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}

	if len(f.notifier.queued) != 1 {
		t.Fatalf("queued notifications = %d, want 1", len(f.notifier.queued))
	}
	q := f.notifier.queued[0]
	if q.channel != notify.ChannelEmail {
		t.Errorf("channel = %s, want email", q.channel)
	}
	if q.n.RecipientID != "u2" || q.n.RoomID != "u1-u2" || q.n.Body != "hi" {
		t.Errorf("queued notification = %+v", q.n)
	}
}

func TestHandleSend_QueuesInAppWhenSessionUnreachable(t *testing.T) {
	f := newFixture()
	f.hub.Join("sa", "u1-u2")
	// The registry still says online, but the session is gone from every
	// instance (stale record from an unclean drop).
	f.hub.Unregister("sb")

	if _, err := f.pipeline.HandleSend(context.Background(), f.sender, "u2", "hi"); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}

	if len(f.notifier.queued) != 1 || f.notifier.queued[0].channel != notify.ChannelInApp {
		t.Errorf("queued = %+v, want one inapp notification", f.notifier.queued)
	}
}

func TestHandleSend_PersistenceFailureAbortsBroadcast(t *testing.T) {
	f := newFixture()
	f.hub.Join("sa", "u1-u2")
	f.hub.Join("sb", "u1-u2")
	f.store.failSave = true

	_, err := f.pipeline.HandleSend(context.Background(), f.sender, "u2", "hi")
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("HandleSend = %v, want ErrPersistenceFailed", err)
	}

	if len(f.sender.received) != 0 || len(f.receiver.received) != 0 {
		t.Error("events were broadcast despite the persistence failure")
	}
	if len(f.notifier.queued) != 0 {
		t.Error("notification queued despite the persistence failure")
	}
}

func TestHandleSend_RejectsSelfChat(t *testing.T) {
	f := newFixture()

	_, err := f.pipeline.HandleSend(context.Background(), f.sender, "u1", "hi")
	if !errors.Is(err, rooms.ErrSelfChat) {
		t.Fatalf("HandleSend = %v, want ErrSelfChat", err)
	}
	if len(f.store.messages) != 0 {
		t.Error("message persisted for a self chat")
	}
}

func TestHandleSend_DegradesWhenRegistryUnavailable(t *testing.T) {
	hub := rooms.NewHub()
	router := rooms.NewRouter(hub)
	registry := presence.NewRegistry(failingKV{}, time.Hour)
	ms := &memStore{}
	fn := &fakeNotifier{}
	p := New(ms, router, registry, fn)

	sender := &fakeSession{id: "sa", who: identity.Identity{ID: "u1", DisplayName: "alice"}}
	hub.Register(sender)
	hub.Join("sa", "u1-u2")

	// The send must still go through; the recipient is treated as offline.
	if _, err := p.HandleSend(context.Background(), sender, "u2", "hi"); err != nil {
		t.Fatalf("HandleSend with unavailable registry: %v", err)
	}
	if len(fn.queued) != 1 || fn.queued[0].channel != notify.ChannelEmail {
		t.Errorf("queued = %+v, want one email notification", fn.queued)
	}
}

type failingKV struct{}

func (failingKV) Get(string) ([]byte, error)            { return nil, kv.ErrUnavailable }
func (failingKV) GetRev(string) ([]byte, uint64, error) { return nil, 0, kv.ErrUnavailable }
func (failingKV) Put(string, []byte) error              { return kv.ErrUnavailable }
func (failingKV) Update(string, []byte, uint64) error   { return kv.ErrUnavailable }
func (failingKV) Delete(string) error                   { return kv.ErrUnavailable }
func (failingKV) DeleteRev(string, uint64) error        { return kv.ErrUnavailable }
func (failingKV) Keys() ([]string, error)               { return nil, kv.ErrUnavailable }
