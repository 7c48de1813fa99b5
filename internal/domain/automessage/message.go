// Package automessage: конвейер автоматических сообщений.
// Планировщик раз в сутки составляет случайные пары активных пользователей и
// сохраняет запланированные сообщения; диспетчер ежеминутно выгружает
// созревшие в очередь RabbitMQ; консьюмер доставляет их в переписку и
// уведомляет получателя через realtime-шину.
package automessage

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ekintkara/njback/internal/infra/apperrors"
)

// Message — запланированное автосообщение в коллекции auto_messages.
// Жизненный цикл: создано (isQueued=false, isSent=false) → поставлено в
// очередь (isQueued=true) → доставлено (isSent=true).
type Message struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SenderID   primitive.ObjectID `bson:"senderId" json:"senderId"`
	ReceiverID primitive.ObjectID `bson:"receiverId" json:"receiverId"`
	Content    string             `bson:"content" json:"content"`
	SendDate   time.Time          `bson:"sendDate" json:"sendDate"`
	IsQueued   bool               `bson:"isQueued" json:"isQueued"`
	IsSent     bool               `bson:"isSent" json:"isSent"`
	CreatedAt  time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// Validate проверяет инварианты записи перед сохранением.
// Длина контента меряется в рунах, не в байтах.
func (m *Message) Validate(maxContent int) error {
	if m.SenderID.IsZero() {
		return apperrors.E(apperrors.CodeInvalidSenderID, "sender id is required")
	}
	if m.ReceiverID.IsZero() {
		return apperrors.E(apperrors.CodeInvalidReceiverID, "receiver id is required")
	}
	if m.SenderID == m.ReceiverID {
		return apperrors.E(apperrors.CodeSelfMessage, "sender and receiver must differ")
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return apperrors.E(apperrors.CodeContentRequired, "content is required")
	}
	if utf8.RuneCountInString(content) > maxContent {
		return apperrors.E(apperrors.CodeContentTooLong, fmt.Sprintf("content exceeds %d characters", maxContent))
	}
	if m.SendDate.IsZero() {
		return apperrors.E(apperrors.CodeValidation, "send date is required")
	}
	return nil
}
