package offline

import (
	"time"

	"github.com/npezzotti/pairchat/internal/types"
)

// QueuedMessage is an outbound message that could not be sent yet.
type QueuedMessage struct {
	// Seq orders entries by enqueue time across restarts
	Seq         uint64            `gorm:"primaryKey;autoIncrement" json:"-"`
	LocalId     string            `gorm:"uniqueIndex;size:36;not null" json:"id"`
	Content     string            `gorm:"not null" json:"content"`
	MessageType types.MessageType `gorm:"size:16;not null" json:"messageType"`
	MediaUrl    *string           `json:"mediaUrl,omitempty"`
	EnqueuedAt  time.Time         `gorm:"not null" json:"timestamp"`
}

func (QueuedMessage) TableName() string {
	return "offline_queue"
}

// Request returns the message as it is sent to the message API.
func (m QueuedMessage) Request() types.SendMessageRequest {
	return types.SendMessageRequest{
		Content:     m.Content,
		MessageType: m.MessageType,
		MediaUrl:    m.MediaUrl,
	}
}
