package types

import (
	"time"
)

type MessageType string

const (
	MessageTypeText    MessageType = "text"
	MessageTypeEmoji   MessageType = "emoji"
	MessageTypeSticker MessageType = "sticker"
	MessageTypeImage   MessageType = "image"
	MessageTypeVideo   MessageType = "video"
	MessageTypeVoice   MessageType = "voice"
)

type UserPublic struct {
	Id        string     `json:"id"`
	Name      string     `json:"name"`
	AvatarUrl *string    `json:"avatarUrl"`
	LastSeen  *time.Time `json:"lastSeen"`
}

type Couple struct {
	Id      string `json:"id"`
	User1Id string `json:"user1Id"`
	User2Id string `json:"user2Id"`
}

// HasMember reports whether userId is one of the two partners.
func (c Couple) HasMember(userId string) bool {
	return userId != "" && (c.User1Id == userId || c.User2Id == userId)
}

type Message struct {
	Id          string      `json:"id"`
	CoupleId    string      `json:"coupleId"`
	SenderId    string      `json:"senderId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	MediaUrl    *string     `json:"mediaUrl"`
	ReadAt      *time.Time  `json:"readAt"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type MessageWithSender struct {
	Message
	Sender    UserPublic `json:"sender"`
	Reactions []Reaction `json:"reactions"`
}

type Reaction struct {
	Id        string    `json:"id"`
	MessageId string    `json:"messageId"`
	UserId    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// SendMessageRequest is the body accepted by the message creation API.
type SendMessageRequest struct {
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	MediaUrl    *string     `json:"mediaUrl,omitempty"`
}
