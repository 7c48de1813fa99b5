package automessage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ekintkara/njback/internal/infra/apperrors"
)

// EnvelopeTypeV1 — текущая версия схемы конверта очереди.
const EnvelopeTypeV1 = "auto_message.v1"

// Envelope — полезная нагрузка очереди message_sending_queue.
// Идентификаторы передаются hex-строками. Пустой type принимается как v1
// ради совместимости с конвертами, опубликованными до версионирования.
type Envelope struct {
	Type             string    `json:"type,omitempty"`
	AutoMessageID    string    `json:"autoMessageId"`
	SenderID         string    `json:"senderId"`
	ReceiverID       string    `json:"receiverId"`
	Content          string    `json:"content"`
	OriginalSendDate time.Time `json:"originalSendDate"`
	QueuedAt         time.Time `json:"queuedAt"`
}

// NewEnvelope собирает конверт для запланированного сообщения.
func NewEnvelope(msg Message, queuedAt time.Time) Envelope {
	return Envelope{
		Type:             EnvelopeTypeV1,
		AutoMessageID:    msg.ID.Hex(),
		SenderID:         msg.SenderID.Hex(),
		ReceiverID:       msg.ReceiverID.Hex(),
		Content:          msg.Content,
		OriginalSendDate: msg.SendDate.UTC(),
		QueuedAt:         queuedAt.UTC(),
	}
}

// ParseEnvelope декодирует тело сообщения очереди.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode queue envelope")
	}
	return env, nil
}

// Validate проверяет конверт до каких-либо обращений к базе.
func (e Envelope) Validate(maxContent int) error {
	if e.Type != "" && e.Type != EnvelopeTypeV1 {
		return apperrors.E(apperrors.CodeBadEnvelopeType, fmt.Sprintf("unsupported envelope type %q", e.Type))
	}
	if _, err := primitive.ObjectIDFromHex(e.AutoMessageID); err != nil {
		return apperrors.E(apperrors.CodeInvalidMessageID, "autoMessageId is not a valid object id")
	}
	sender, err := primitive.ObjectIDFromHex(e.SenderID)
	if err != nil {
		return apperrors.E(apperrors.CodeInvalidSenderID, "senderId is not a valid object id")
	}
	receiver, err := primitive.ObjectIDFromHex(e.ReceiverID)
	if err != nil {
		return apperrors.E(apperrors.CodeInvalidReceiverID, "receiverId is not a valid object id")
	}
	if sender == receiver {
		return apperrors.E(apperrors.CodeSelfMessage, "sender and receiver must differ")
	}
	content := strings.TrimSpace(e.Content)
	if content == "" {
		return apperrors.E(apperrors.CodeContentRequired, "content is required")
	}
	if utf8.RuneCountInString(content) > maxContent {
		return apperrors.E(apperrors.CodeContentTooLong, fmt.Sprintf("content exceeds %d characters", maxContent))
	}
	return nil
}

// MessageID возвращает идентификатор записи auto_messages.
// Корректен только после успешного Validate.
func (e Envelope) MessageID() primitive.ObjectID {
	id, _ := primitive.ObjectIDFromHex(e.AutoMessageID)
	return id
}

// Sender возвращает идентификатор отправителя. Корректен после Validate.
func (e Envelope) Sender() primitive.ObjectID {
	id, _ := primitive.ObjectIDFromHex(e.SenderID)
	return id
}

// Receiver возвращает идентификатор получателя. Корректен после Validate.
func (e Envelope) Receiver() primitive.ObjectID {
	id, _ := primitive.ObjectIDFromHex(e.ReceiverID)
	return id
}
