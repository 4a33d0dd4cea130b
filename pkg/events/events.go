// Package events defines the session-level wire surface: event names and
// payload shapes exchanged over a live connection.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/store"
)

// Inbound event names.
const (
	JoinChat        = "join-chat"
	LeaveChat       = "leave-chat"
	SendMessage     = "send-message"
	TypingSignal    = "typing"
	MarkAsRead      = "mark-as-read"
	DeleteMessage   = "delete-message"
	SearchMessages  = "search-messages"
	CheckUserStatus = "check-user-status"
	GetChatRooms    = "get-chat-rooms"
)

// Outbound event names.
const (
	ChatJoined             = "chat-joined"
	UnreadCount            = "unread-count"
	ReceiveMessage         = "receive-message"
	NewMessageNotification = "new-message-notification"
	UserTyping             = "user-typing"
	MessagesRead           = "messages-read"
	MessageDeleted         = "message-deleted"
	SearchResults          = "search-results"
	UserStatus             = "user-status"
	OnlineUsers            = "online-users"
	ChatRoomsList          = "chat-rooms-list"
	ErrorEvent             = "error"
)

// Envelope is one frame on the wire: an event name plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// New marshals v into an envelope for the named event.
func New(event string, v any) (Envelope, error) {
	if v == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// MustNew is New for payloads that cannot fail to marshal (plain structs of
// strings, numbers, and bools).
func MustNew(event string, v any) Envelope {
	env, err := New(event, v)
	if err != nil {
		panic(err)
	}
	return env
}

// Inbound payloads.

type JoinChatPayload struct {
	RecipientID string `json:"recipientId"`
}

type LeaveChatPayload struct {
	RecipientID string `json:"recipientId"`
}

type SendMessagePayload struct {
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
}

type TypingPayload struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

type MarkAsReadPayload struct {
	RecipientID string `json:"recipientId"`
}

type DeleteMessagePayload struct {
	MessageID int64 `json:"messageId"`
}

type SearchMessagesPayload struct {
	SearchTerm string `json:"searchTerm"`
}

type CheckUserStatusPayload struct {
	TargetUserID string `json:"targetUserId"`
}

// Outbound payloads.

type ChatJoinedPayload struct {
	ChatRoomID  string          `json:"chatRoomId"`
	RecipientID string          `json:"recipientId"`
	ChatHistory []store.Message `json:"chatHistory"`
}

type UnreadCountPayload struct {
	Count int `json:"count"`
}

type NewMessageNotificationPayload struct {
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	Message        string `json:"message"`
	ChatRoomID     string `json:"chatRoomId"`
}

type UserTypingPayload struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	IsTyping   bool   `json:"isTyping"`
	ChatRoomID string `json:"chatRoomId"`
}

type MessagesReadPayload struct {
	UserID     string `json:"userId"`
	ChatRoomID string `json:"chatRoomId"`
}

type MessageDeletedPayload struct {
	MessageID int64  `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type SearchResultsPayload struct {
	Results []store.Message `json:"results"`
}

type UserStatusPayload struct {
	TargetUserID string `json:"targetUserId"`
	IsOnline     bool   `json:"isOnline"`
}

type OnlineUsersPayload struct {
	IDs []string `json:"ids"`
}

type ChatRoomsListPayload struct {
	ChatRooms []store.RoomSummary `json:"chatRooms"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
