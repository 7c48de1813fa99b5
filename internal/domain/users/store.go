package users

import (
	"context"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ekintkara/njback/internal/infra/mongodb"
)

// Store — read-only доступ к коллекции users.
type Store struct {
	coll *mongo.Collection
}

func NewStore(client *mongodb.Client) *Store {
	return &Store{coll: client.Collection(mongodb.CollUsers)}
}

// FindActive возвращает всех пользователей с isActive=true.
// Порядок не гарантируется; планировщик всё равно перемешивает список.
func (s *Store) FindActive(ctx context.Context) ([]User, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"isActive": true})
	if err != nil {
		return nil, errors.Wrap(err, "find active users")
	}
	defer cursor.Close(ctx)

	var out []User
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode active users")
	}
	return out, nil
}

// FindByID загружает одного пользователя. Отсутствие документа не считается
// ошибкой: возвращается (nil, nil), решение принимает вызывающая сторона.
func (s *Store) FindByID(ctx context.Context, id primitive.ObjectID) (*User, error) {
	var u User
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "find user %s", id.Hex())
	}
	return &u, nil
}

// FindManyByIDs загружает пачку профилей одним запросом $in.
// В ответе присутствуют только найденные пользователи.
func (s *Store) FindManyByIDs(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]User, error) {
	out := make(map[primitive.ObjectID]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	cursor, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, errors.Wrap(err, "find users by ids")
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var u User
		if err := cursor.Decode(&u); err != nil {
			return nil, errors.Wrap(err, "decode user")
		}
		out[u.ID] = u
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate users")
	}
	return out, nil
}
