// Package chat: беседы и сообщения между пользователями.
// Автопайплайн доставляет сюда готовые сообщения: беседа пары находится или
// создаётся, сообщение сохраняется, хвост беседы обновляется.
package chat

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LastMessage — денормализованный хвост беседы для быстрых списков.
type LastMessage struct {
	Content   string             `bson:"content" json:"content"`
	SenderID  primitive.ObjectID `bson:"senderId" json:"senderId"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
}

// Conversation — беседа ровно двух участников.
// participantsKey — каноническое представление пары; уникальный индекс по
// нему даёт одну беседу на пару независимо от порядка аргументов.
type Conversation struct {
	ID              primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	Participants    []primitive.ObjectID `bson:"participants" json:"participants"`
	ParticipantsKey string               `bson:"participantsKey" json:"-"`
	LastMessage     *LastMessage         `bson:"lastMessage,omitempty" json:"lastMessage,omitempty"`
	CreatedAt       time.Time            `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time            `bson:"updatedAt" json:"updatedAt"`
}

// PairKey канонизирует пару участников: hex-идентификаторы сортируются и
// склеиваются через двоеточие. PairKey(a, b) == PairKey(b, a).
func PairKey(a, b primitive.ObjectID) string {
	ah, bh := a.Hex(), b.Hex()
	if bh < ah {
		ah, bh = bh, ah
	}
	return ah + ":" + bh
}

// HasParticipant сообщает, входит ли пользователь в беседу.
func (c *Conversation) HasParticipant(id primitive.ObjectID) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Clone делает глубокую копию беседы.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Participants = append([]primitive.ObjectID(nil), c.Participants...)
	if c.LastMessage != nil {
		last := *c.LastMessage
		clone.LastMessage = &last
	}
	return &clone
}
