// Package mongodb — подключение к MongoDB и создание индексов на старте.
// Клиент один на процесс и передаётся в сторы через конструкторы; имена
// коллекций зафиксированы здесь, чтобы сторы и тесты ссылались на одни константы.
package mongodb

import (
	"context"
	"time"

	"github.com/ekintkara/njback/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Имена коллекций. Строки попадают в индексы и запросы, менять нельзя.
const (
	CollUsers         = "users"
	CollConversations = "conversations"
	CollMessages      = "messages"
	CollAutoMessages  = "auto_messages"
)

// connectTimeout ограничивает ожидание первичного ping при старте.
const connectTimeout = 10 * time.Second

// Client оборачивает mongo.Client и выбранную базу данных.
type Client struct {
	cli *mongo.Client
	db  *mongo.Database
}

// Connect устанавливает соединение, проверяет его ping'ом и возвращает клиент.
// Строка подключения и имя базы приходят из конфигурации.
func Connect(ctx context.Context, uri, dbName string) (*Client, error) {
	opts := options.Client().ApplyURI(uri)
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cli.Ping(pingCtx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, errors.Wrap(err, "mongo ping")
	}

	logger.Debugf("mongodb: connected (db=%s)", dbName)
	return &Client{cli: cli, db: cli.Database(dbName)}, nil
}

// Collection возвращает коллекцию выбранной базы по имени.
func (c *Client) Collection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

// Disconnect закрывает соединение. Вызывается на shutdown после остановки сервисов.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.cli.Disconnect(ctx)
}

// EnsureIndexes создаёт индексы всех коллекций. Операция идемпотентна:
// существующие индексы с теми же ключами не пересоздаются.
//
// Ключевой индекс — уникальный participantsKey у conversations: он закрывает
// гонку создания диалога между двумя потребителями (оба резолвят одну пару
// пользователей, выигрывает одна вставка, вторая повторяет поиск).
func (c *Client) EnsureIndexes(ctx context.Context) error {
	autoMessages := []mongo.IndexModel{
		{Keys: bson.D{{Key: "sendDate", Value: 1}, {Key: "isQueued", Value: 1}}},
		{Keys: bson.D{{Key: "isQueued", Value: 1}, {Key: "isSent", Value: 1}}},
		{Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "createdAt", Value: -1}}},
	}
	conversations := []mongo.IndexModel{
		{Keys: bson.D{{Key: "participantsKey", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	}
	messages := []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "isRead", Value: 1}}},
	}
	users := []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "isActive", Value: 1}}},
	}

	for coll, models := range map[string][]mongo.IndexModel{
		CollAutoMessages:  autoMessages,
		CollConversations: conversations,
		CollMessages:      messages,
		CollUsers:         users,
	} {
		if _, err := c.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "create indexes for %s", coll)
		}
		logger.Debugf("mongodb: indexes ensured for %s", coll)
	}
	return nil
}
