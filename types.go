package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// Identities
// ============================================================================

// RealtimeUserID identifies a user in the realtime store's identity space.
// It is the id stored in room participants, message senders, presence and
// typing paths.
type RealtimeUserID string

// DurableUserID identifies a user in the durable (relational) store.
type DurableUserID string

// RoomID identifies a chat room in the realtime store.
type RoomID string

// CaseID identifies an immigration case in the durable store.
type CaseID string

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery state of an optimistic message.
// Confirmed messages carry no status.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Attachment is a file reference attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Message is a chat message. SentAt is epoch milliseconds.
type Message struct {
	ID          string         `json:"id"`
	SenderID    RealtimeUserID `json:"senderId"`
	RecipientID RealtimeUserID `json:"recipientId"`
	Content     string         `json:"content"`
	SentAt      int64          `json:"sentAt"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Status      MessageStatus  `json:"status,omitempty"`
	Read        bool           `json:"read"`
	ClientKey   string         `json:"clientKey,omitempty"`
}

// Optimistic reports whether the message is a local placeholder.
func (m Message) Optimistic() bool { return m.Status != "" }

// ============================================================================
// Rooms
// ============================================================================

// Room is the metadata record of a realtime chat room.
type Room struct {
	ID            RoomID                 `json:"id,omitempty"`
	Participants  []RealtimeUserID       `json:"participants"`
	LastMessage   string                 `json:"lastMessage,omitempty"`
	LastMessageAt int64                  `json:"lastMessageAt,omitempty"`
	UnreadCount   map[RealtimeUserID]int `json:"unreadCount,omitempty"`
	CaseID        CaseID                 `json:"caseId,omitempty"`
}

// HasParticipant reports whether id is one of the room's participants.
func (r Room) HasParticipant(id RealtimeUserID) bool {
	for _, p := range r.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Counterpart returns the participant that is not self.
func (r Room) Counterpart(self RealtimeUserID) (RealtimeUserID, bool) {
	for _, p := range r.Participants {
		if p != self {
			return p, true
		}
	}
	return "", false
}

// RoomHandle is either a VirtualRoom or a RealRoom.
type RoomHandle interface {
	// Key is a stable string form of the handle.
	Key() string
	isRoomHandle()
}

// VirtualRoom is a placeholder for a conversation whose realtime room does
// not exist yet.
type VirtualRoom struct {
	Counterpart RealtimeUserID
}

func (v VirtualRoom) Key() string { return virtualPrefix + string(v.Counterpart) }
func (VirtualRoom) isRoomHandle() {}

// RealRoom refers to a room that exists in the realtime store.
type RealRoom struct {
	ID RoomID
}

func (r RealRoom) Key() string { return string(r.ID) }
func (RealRoom) isRoomHandle() {}

const virtualPrefix = "virtual-"

// ParseRoomHandle turns a handle key back into a handle.
func ParseRoomHandle(key string) (RoomHandle, error) {
	switch {
	case key == "":
		return nil, fmt.Errorf("empty room handle")
	case strings.HasPrefix(key, virtualPrefix):
		cp := strings.TrimPrefix(key, virtualPrefix)
		if cp == "" {
			return nil, fmt.Errorf("virtual room handle %q has no counterpart", key)
		}
		return VirtualRoom{Counterpart: RealtimeUserID(cp)}, nil
	default:
		return RealRoom{ID: RoomID(key)}, nil
	}
}

// ============================================================================
// Presence & Typing
// ============================================================================

// PresenceStatus is a user's availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
)

// Presence is the record at presence/{userId}.
type Presence struct {
	UserID   RealtimeUserID `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"`
	Platform string         `json:"platform,omitempty"`
}

// TypingIndicator is the record at typing/{roomId}/{userId}.
type TypingIndicator struct {
	UserID    RealtimeUserID `json:"userId"`
	UserName  string         `json:"userName,omitempty"`
	RoomID    RoomID         `json:"roomId"`
	IsTyping  bool           `json:"isTyping"`
	Timestamp int64          `json:"timestamp"`
}

// ============================================================================
// Durable archive
// ============================================================================

// ArchiveRecord is the durable copy of a message sent through the pipeline.
type ArchiveRecord struct {
	FirebaseID  string        `json:"firebaseId"`
	SenderID    DurableUserID `json:"senderId"`
	RecipientID DurableUserID `json:"recipientId"`
	Content     string        `json:"content"`
	CaseID      CaseID        `json:"caseId,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	SentAt      int64         `json:"sentAt"`
}

// EmailRequest is a case-scoped email sent through the durable API.
type EmailRequest struct {
	RecipientID DurableUserID `json:"recipientId,omitempty"`
	CaseID      CaseID        `json:"caseId"`
	Subject     string        `json:"subject"`
	Content     string        `json:"content"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}

// APIResult is the envelope returned by the durable REST API.
type APIResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}
