package chat

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Message — единица переписки внутри беседы.
// Флага «автосообщение» в документе нет: для хранилища автоматическое
// сообщение неотличимо от обычного, признак живёт только в уведомлении.
type Message struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ConversationID primitive.ObjectID `bson:"conversationId" json:"conversationId"`
	SenderID       primitive.ObjectID `bson:"senderId" json:"senderId"`
	Content        string             `bson:"content" json:"content"`
	IsRead         bool               `bson:"isRead" json:"isRead"`
	CreatedAt      time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// SenderInfo — публичная часть профиля отправителя, подмешиваемая в выдачу.
type SenderInfo struct {
	ID       primitive.ObjectID `json:"_id"`
	Username string             `json:"username"`
	Email    string             `json:"email"`
}

// MessageView — сообщение с развёрнутым отправителем.
type MessageView struct {
	Message
	Sender *SenderInfo `json:"sender,omitempty"`
}

// MessagePage — страница выдачи FindByConversationID.
type MessagePage struct {
	Messages []MessageView `json:"messages"`
	Total    int64         `json:"total"`
	Page     int64         `json:"page"`
	Limit    int64         `json:"limit"`
}
