package automessage

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ekintkara/njback/internal/infra/mongodb"
)

// Store — хранилище запланированных автосообщений.
type Store struct {
	coll *mongo.Collection
}

func NewStore(client *mongodb.Client) *Store {
	return &Store{coll: client.Collection(mongodb.CollAutoMessages)}
}

// InsertMany сохраняет партию запланированных сообщений одним запросом.
// Возвращает число вставленных.
func (s *Store) InsertMany(ctx context.Context, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	docs := make([]interface{}, len(msgs))
	for i := range msgs {
		docs[i] = msgs[i]
	}
	res, err := s.coll.InsertMany(ctx, docs)
	if err != nil {
		return 0, errors.Wrap(err, "insert planned messages")
	}
	return len(res.InsertedIDs), nil
}

// FindDue возвращает созревшие и ещё не тронутые сообщения:
// sendDate <= now, isQueued=false, isSent=false. Старые сначала, не больше limit.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int64) ([]Message, error) {
	filter := bson.M{
		"sendDate": bson.M{"$lte": now.UTC()},
		"isQueued": false,
		"isSent":   false,
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "sendDate", Value: 1}}).
		SetLimit(limit)
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find due messages")
	}
	defer cursor.Close(ctx)

	var out []Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode due messages")
	}
	return out, nil
}

// MarkQueued помечает переданные сообщения как выгруженные в очередь.
// Возвращает число обновлённых документов.
func (s *Store) MarkQueued(ctx context.Context, ids []primitive.ObjectID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"isQueued": true, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return 0, errors.Wrap(err, "mark messages queued")
	}
	return res.ModifiedCount, nil
}

// FindByID загружает запись. Отсутствие документа — (nil, nil).
func (s *Store) FindByID(ctx context.Context, id primitive.ObjectID) (*Message, error) {
	var msg Message
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "find planned message %s", id.Hex())
	}
	return &msg, nil
}

// MarkSent фиксирует доставку. Возвращает false, если записи уже нет.
func (s *Store) MarkSent(ctx context.Context, id primitive.ObjectID) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"isSent": true, "isQueued": true, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return false, errors.Wrapf(err, "mark message %s sent", id.Hex())
	}
	return res.MatchedCount > 0, nil
}

// StateCounts — срез коллекции по стадиям жизненного цикла.
type StateCounts struct {
	Pending int64 `json:"pending"`
	Queued  int64 `json:"queued"`
	Sent    int64 `json:"sent"`
}

// CountByState считает записи по стадиям для статусной выдачи.
func (s *Store) CountByState(ctx context.Context) (StateCounts, error) {
	var out StateCounts

	pending, err := s.coll.CountDocuments(ctx, bson.M{"isQueued": false, "isSent": false})
	if err != nil {
		return out, errors.Wrap(err, "count pending")
	}
	queued, err := s.coll.CountDocuments(ctx, bson.M{"isQueued": true, "isSent": false})
	if err != nil {
		return out, errors.Wrap(err, "count queued")
	}
	sent, err := s.coll.CountDocuments(ctx, bson.M{"isSent": true})
	if err != nil {
		return out, errors.Wrap(err, "count sent")
	}

	out.Pending = pending
	out.Queued = queued
	out.Sent = sent
	return out, nil
}
