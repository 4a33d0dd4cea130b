// Package store is the durable side of conversations: messages, rooms, and
// read-state live in PostgreSQL. The real-time core treats it as a black box
// that either returns records or fails.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any failure to reach or mutate the database. Handlers
// convert it to a client-visible error without broadcasting anything.
var ErrUnavailable = errors.New("store: conversation store unavailable")

// Message is one persisted chat message. JSON field names match the wire
// payload of receive-message.
type Message struct {
	ID          int64     `json:"id"`
	RoomID      string    `json:"chatRoomId"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderUsername,omitempty"`
	RecipientID string    `json:"recipientId"`
	Body        string    `json:"message"`
	IsRead      bool      `json:"isRead"`
	CreatedAt   time.Time `json:"timestamp"`
}

// RoomSummary is one row of a user's conversation list, with the latest
// message folded in.
type RoomSummary struct {
	RoomID          string     `json:"roomId"`
	User1ID         string     `json:"user1Id"`
	User2ID         string     `json:"user2Id"`
	User1Name       string     `json:"user1Username,omitempty"`
	User2Name       string     `json:"user2Username,omitempty"`
	LastMessage     string     `json:"lastMessage,omitempty"`
	LastMessageTime *time.Time `json:"lastMessageTime,omitempty"`
	LastSenderID    string     `json:"lastMessageSender,omitempty"`
}

// Conversations is the contract the real-time core programs against.
type Conversations interface {
	// UpsertUser records the identity and bumps its last-seen timestamp.
	UpsertUser(ctx context.Context, userID, username string) error
	// EnsureRoom creates the durable room row if it does not exist.
	EnsureRoom(ctx context.Context, roomID, user1ID, user2ID string) error
	// SaveMessage persists a message and returns it with the server-assigned
	// id and timestamp.
	SaveMessage(ctx context.Context, roomID, senderID, recipientID, body string) (Message, error)
	// History returns up to limit messages for a room, oldest first.
	History(ctx context.Context, roomID string, limit int) ([]Message, error)
	// MarkRead flags every unread message addressed to readerID in the room.
	MarkRead(ctx context.Context, roomID, readerID string) error
	// UnreadCount counts unread messages addressed to userID across all rooms.
	UnreadCount(ctx context.Context, userID string) (int, error)
	// Delete removes a message if senderID authored it. The deleted message
	// is returned so the room can be told; ok is false when nothing matched.
	Delete(ctx context.Context, messageID int64, senderID string) (Message, bool, error)
	// Search finds messages in the user's rooms whose body matches term,
	// newest first, capped at 50.
	Search(ctx context.Context, userID, term string) ([]Message, error)
	// RoomsFor lists the user's rooms, most recently active first.
	RoomsFor(ctx context.Context, userID string) ([]RoomSummary, error)
}
