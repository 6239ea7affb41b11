package models

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
)

// Identity is the verified (user, username) pair bound to a connection
// at handshake time. Immutable for the connection's lifetime.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// User represents a user in the system.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"lastSeen"` // Unix timestamp (seconds)
}

// Room is a named multi-member conversation group with persisted membership.
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"createdBy,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// Message is immutable once persisted. Exactly one of RoomID and
// ReceiverID is set: a message is either room-scoped or direct, never both.
type Message struct {
	ID         string      `json:"id"`
	Seq        int64       `json:"seq"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	RoomID     string      `json:"roomId,omitempty"`
	ReceiverID string      `json:"receiverId,omitempty"`
	Content    string      `json:"content"`
	Type       MessageType `json:"messageType"`
	FileURL    string      `json:"fileUrl,omitempty"`
	CreatedAt  int64       `json:"createdAt"` // Unix timestamp (seconds)
}

// ClientEvent represents an event sent from the client to the server.
type ClientEvent struct {
	Type       ClientEventType `json:"type"`
	RoomID     string          `json:"roomId,omitempty"`
	ReceiverID string          `json:"receiverId,omitempty"`
	Content    string          `json:"content,omitempty"`
	Message    MessageType     `json:"messageType,omitempty"`
	FileURL    string          `json:"fileUrl,omitempty"`
}

// ServerEvent represents an event sent to the client.
type ServerEvent struct {
	Type     ServerEventType `json:"type"`
	UserID   string          `json:"userId,omitempty"`
	Username string          `json:"username,omitempty"`
	Online   bool            `json:"online,omitempty"`
	Users    []string        `json:"users,omitempty"`
	RoomID   string          `json:"roomId,omitempty"`
	Message  *Message        `json:"message,omitempty"`
	IsTyping bool            `json:"isTyping,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type ClientEventType string

const (
	ClientEventJoinRoom           ClientEventType = "join_room"
	ClientEventLeaveRoom          ClientEventType = "leave_room"
	ClientEventSendMessage        ClientEventType = "send_message"
	ClientEventPrivateMessage     ClientEventType = "private_message"
	ClientEventTypingStart        ClientEventType = "typing_start"
	ClientEventTypingStop         ClientEventType = "typing_stop"
	ClientEventTypingStartPrivate ClientEventType = "typing_start_private"
	ClientEventTypingStopPrivate  ClientEventType = "typing_stop_private"
)

type ServerEventType string

const (
	ServerEventUserStatus          ServerEventType = "user_status"
	ServerEventOnlineUsers         ServerEventType = "online_users"
	ServerEventUserJoinedRoom      ServerEventType = "user_joined_room"
	ServerEventUserLeftRoom        ServerEventType = "user_left_room"
	ServerEventNewMessage          ServerEventType = "new_message"
	ServerEventNewPrivateMessage   ServerEventType = "new_private_message"
	ServerEventTypingUpdate        ServerEventType = "typing_update"
	ServerEventTypingUpdatePrivate ServerEventType = "typing_update_private"
	ServerEventError               ServerEventType = "error"
)

// Conversation keys identify a room or a direct pair. The same key shapes
// are used for message storage and for typing state.

const (
	roomKeyPrefix = "room:"
	pairKeyPrefix = "dm:"
)

// RoomKey returns the conversation key for a room.
func RoomKey(roomID string) string {
	return roomKeyPrefix + roomID
}

// PairKey returns the conversation key for a direct pair. The key is
// unordered: both participants derive the same key.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return pairKeyPrefix + ids[0] + ":" + ids[1]
}

// RoomFromKey reports whether key identifies a room, and the room ID.
func RoomFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, roomKeyPrefix) {
		return "", false
	}
	return key[len(roomKeyPrefix):], true
}

// PairPeer returns the other participant of a pair key.
func PairPeer(key, userID string) (string, bool) {
	if !strings.HasPrefix(key, pairKeyPrefix) {
		return "", false
	}
	parts := strings.Split(key[len(pairKeyPrefix):], ":")
	if len(parts) != 2 {
		return "", false
	}
	switch userID {
	case parts[0]:
		return parts[1], true
	case parts[1]:
		return parts[0], true
	}
	return "", false
}
