package chat

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ekintkara/njback/internal/domain/users"
	"github.com/ekintkara/njback/internal/infra/apperrors"
	"github.com/ekintkara/njback/internal/infra/logger"
	"github.com/ekintkara/njback/internal/infra/mongodb"
	"github.com/ekintkara/njback/internal/shared"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ConversationStore — беседы плюс каскадное удаление их сообщений.
type ConversationStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
}

func NewConversationStore(client *mongodb.Client) *ConversationStore {
	return &ConversationStore{
		conversations: client.Collection(mongodb.CollConversations),
		messages:      client.Collection(mongodb.CollMessages),
	}
}

// FindBetweenUsers ищет беседу пары по каноническому ключу.
// Порядок аргументов не важен. Отсутствие беседы — (nil, nil).
func (s *ConversationStore) FindBetweenUsers(ctx context.Context, a, b primitive.ObjectID) (*Conversation, error) {
	var conv Conversation
	err := s.conversations.FindOne(ctx, bson.M{"participantsKey": PairKey(a, b)}).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find conversation")
	}
	return &conv, nil
}

// Create создаёт беседу пары различных участников.
func (s *ConversationStore) Create(ctx context.Context, a, b primitive.ObjectID) (*Conversation, error) {
	if a.IsZero() || b.IsZero() {
		return nil, apperrors.E(apperrors.CodeValidation, "conversation requires two participants")
	}
	if a == b {
		return nil, apperrors.E(apperrors.CodeValidation, "conversation participants must be distinct")
	}

	now := time.Now().UTC()
	conv := &Conversation{
		Participants:    []primitive.ObjectID{a, b},
		ParticipantsKey: PairKey(a, b),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	res, err := s.conversations.InsertOne(ctx, conv)
	if err != nil {
		return nil, errors.Wrap(err, "insert conversation")
	}
	conv.ID = res.InsertedID.(primitive.ObjectID)
	return conv, nil
}

// FindOrCreate возвращает существующую беседу пары или создаёт новую.
// Гонку одновременного создания разрешает уникальный индекс participantsKey:
// проигравший получает duplicate key и перечитывает документ победителя.
func (s *ConversationStore) FindOrCreate(ctx context.Context, a, b primitive.ObjectID) (*Conversation, error) {
	conv, err := s.FindBetweenUsers(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	conv, err = s.Create(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, err
	}

	logger.Debugf("ConversationStore: lost create race for %s, re-reading", PairKey(a, b))
	conv, errFind := s.FindBetweenUsers(ctx, a, b)
	if errFind != nil {
		return nil, errFind
	}
	if conv == nil {
		return nil, errors.Wrap(err, "conversation vanished after duplicate key")
	}
	return conv, nil
}

// UpdateLastMessage обновляет денормализованный хвост и updatedAt беседы.
func (s *ConversationStore) UpdateLastMessage(ctx context.Context, convID primitive.ObjectID, last LastMessage) error {
	update := bson.M{"$set": bson.M{"lastMessage": last, "updatedAt": time.Now().UTC()}}
	res, err := s.conversations.UpdateByID(ctx, convID, update)
	if err != nil {
		return errors.Wrap(err, "update last message")
	}
	if res.MatchedCount == 0 {
		return apperrors.E(apperrors.CodeNotFound, "conversation not found")
	}
	return nil
}

// Delete удаляет беседу вместе со всеми её сообщениями.
// Операция разрешена только участнику беседы.
func (s *ConversationStore) Delete(ctx context.Context, convID, requesterID primitive.ObjectID) error {
	var conv Conversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": convID}).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperrors.E(apperrors.CodeNotFound, "conversation not found")
		}
		return errors.Wrap(err, "load conversation")
	}
	if !conv.HasParticipant(requesterID) {
		return apperrors.E(apperrors.CodeForbidden, "requester is not a participant")
	}

	removed, err := s.messages.DeleteMany(ctx, bson.M{"conversationId": convID})
	if err != nil {
		return errors.Wrap(err, "delete conversation messages")
	}
	if _, err := s.conversations.DeleteOne(ctx, bson.M{"_id": convID}); err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	logger.Debugf("ConversationStore: deleted %s with %d message(s)", convID.Hex(), removed.DeletedCount)
	return nil
}

// SenderDirectory отдаёт профили отправителей для развёртки выдачи.
// Реализуется users.Store.
type SenderDirectory interface {
	FindManyByIDs(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]users.User, error)
}

// MessageStore — сообщения бесед.
type MessageStore struct {
	coll    *mongo.Collection
	senders SenderDirectory
}

func NewMessageStore(client *mongodb.Client, senders SenderDirectory) *MessageStore {
	return &MessageStore{coll: client.Collection(mongodb.CollMessages), senders: senders}
}

// Insert сохраняет сообщение и проставляет ID и метки времени.
func (s *MessageStore) Insert(ctx context.Context, msg *Message) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	res, err := s.coll.InsertOne(ctx, msg)
	if err != nil {
		return errors.Wrap(err, "insert message")
	}
	msg.ID = res.InsertedID.(primitive.ObjectID)
	return nil
}

// FindByConversationID отдаёт страницу сообщений беседы, новые сверху.
// Отправители разворачиваются одним дополнительным запросом $in.
func (s *MessageStore) FindByConversationID(ctx context.Context, convID primitive.ObjectID, page, limit int64) (*MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	filter := bson.M{"conversationId": convID}
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "count messages")
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip((page - 1) * limit).
		SetLimit(limit)
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find messages")
	}
	defer cursor.Close(ctx)

	var msgs []Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}

	ids := make([]primitive.ObjectID, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
	}
	directory, err := s.senders.FindManyByIDs(ctx, shared.Unique(ids))
	if err != nil {
		return nil, errors.Wrap(err, "resolve senders")
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		view := MessageView{Message: m}
		if u, ok := directory[m.SenderID]; ok {
			view.Sender = &SenderInfo{ID: u.ID, Username: u.Username, Email: u.Email}
		}
		views = append(views, view)
	}
	return &MessagePage{Messages: views, Total: total, Page: page, Limit: limit}, nil
}

// MarkRead помечает прочитанными входящие сообщения беседы.
// Сообщения самого читателя не трогаются. Возвращает число обновлённых.
func (s *MessageStore) MarkRead(ctx context.Context, convID, readerID primitive.ObjectID) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"conversationId": convID, "senderId": bson.M{"$ne": readerID}, "isRead": false},
		bson.M{"$set": bson.M{"isRead": true, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return 0, errors.Wrap(err, "mark messages read")
	}
	return res.ModifiedCount, nil
}
