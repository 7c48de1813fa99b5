// Package users: доступ к справочнику пользователей чата.
// Пайплайну автосообщений нужны только выборки: активные участники для
// планировщика и пакетная загрузка профилей при доставке.
package users

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// User — запись коллекции users. Поля повторяют схему чата:
// уникальные username и email, флаг isActive управляет участием
// в планировании автосообщений. Хеш пароля принадлежит REST-слою,
// наружу не сериализуется.
type User struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Username     string             `bson:"username" json:"username"`
	Email        string             `bson:"email" json:"email"`
	PasswordHash string             `bson:"passwordHash" json:"-"`
	IsActive     bool               `bson:"isActive" json:"isActive"`
	CreatedAt    time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt" json:"updatedAt"`
}
