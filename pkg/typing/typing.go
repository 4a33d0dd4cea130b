// Package typing broadcasts short-lived "identity X is typing in room Y"
// signals. State lives in a short-TTL bucket of the shared store: expiry is
// the cancellation mechanism, so a lost stop signal self-heals.
package typing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/events"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/kv"
	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/rooms"
)

// DefaultTTL is how long a typing signal stays visible without renewal.
const DefaultTTL = 5 * time.Second

type status struct {
	Since int64 `json:"since"` // unix milliseconds
}

// Channel relays typing signals to the other room member and keeps the
// self-expiring typing state.
type Channel struct {
	store  kv.Store
	router *rooms.Router
	ttl    time.Duration
	now    func() time.Time
}

func NewChannel(store kv.Store, router *rooms.Router, ttl time.Duration) *Channel {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Channel{store: store, router: router, ttl: ttl, now: time.Now}
}

// WithClock overrides the channel's clock. Tests only.
func (c *Channel) WithClock(now func() time.Time) *Channel {
	c.now = now
	return c
}

// SetTyping records or clears the sender's typing state for the pair's room
// and tells the other member. The sender never receives its own signal.
// No persistence and no retry: the next keystroke or the TTL repairs any
// dropped event.
func (c *Channel) SetTyping(ctx context.Context, sender rooms.Session, recipientID string, isTyping bool) error {
	who := sender.Identity()
	roomID, err := rooms.DeriveRoomID(who.ID, recipientID)
	if err != nil {
		return err
	}

	key := typingKey(roomID, who.ID)
	if isTyping {
		data, _ := json.Marshal(status{Since: c.now().UnixMilli()})
		if err := c.store.Put(key, data); err != nil {
			return fmt.Errorf("typing signal: %w", err)
		}
	} else {
		if err := c.store.Delete(key); err != nil {
			return fmt.Errorf("typing clear: %w", err)
		}
	}

	env := events.MustNew(events.UserTyping, events.UserTypingPayload{
		UserID:     who.ID,
		Username:   who.DisplayName,
		IsTyping:   isTyping,
		ChatRoomID: roomID,
	})
	return c.router.BroadcastToRoomExcept(ctx, roomID, sender.ID(), env)
}

// IsTyping reports whether the identity has a fresh typing signal in the
// room. A record older than the TTL reads as not typing even if the store
// has not evicted it yet.
func (c *Channel) IsTyping(roomID, identityID string) (bool, error) {
	data, err := c.store.Get(typingKey(roomID, identityID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("typing state: %w", err)
	}
	var s status
	if err := json.Unmarshal(data, &s); err != nil {
		return false, nil
	}
	return c.now().UnixMilli()-s.Since <= c.ttl.Milliseconds(), nil
}

func typingKey(roomID, identityID string) string {
	return roomID + "." + identityID
}
