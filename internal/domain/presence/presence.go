// Package presence: индекс присутствия пользователей поверх Redis.
// Набор ONLINE_USERS хранит идентификаторы подключённых, рядом по ключу
// user_info:{id} лежит профиль с TTL. Набор бессрочный, поэтому протухшие
// профили вычищаются отдельной операцией CleanupExpiredUsers.
package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ekintkara/njback/internal/infra/logger"
)

const (
	onlineSetKey      = "ONLINE_USERS"
	userInfoKeyPrefix = "user_info:"
)

// UserInfo — профиль присутствия, сериализуется в JSON-строку Redis.
type UserInfo struct {
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// OnlineUser — элемент выдачи GetOnlineUsersWithInfo.
// Info равен nil, когда профиль уже протух, а член набора ещё жив.
type OnlineUser struct {
	UserID string    `json:"userId"`
	Info   *UserInfo `json:"info,omitempty"`
}

// Index — операции присутствия. TTL задаётся один раз при сборке приложения.
type Index struct {
	cli *redis.Client
	ttl time.Duration
}

func NewIndex(cli *redis.Client, ttl time.Duration) *Index {
	return &Index{cli: cli, ttl: ttl}
}

func userInfoKey(userID string) string {
	return userInfoKeyPrefix + userID
}

// SetUserOnline добавляет пользователя в набор и кладёт профиль с TTL.
// Повторный вызов обновляет профиль и продлевает TTL.
func (i *Index) SetUserOnline(ctx context.Context, userID string, info UserInfo) error {
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "encode user info")
	}

	if err := i.cli.SAdd(ctx, onlineSetKey, userID).Err(); err != nil {
		return errors.Wrap(err, "add online member")
	}
	if err := i.cli.Set(ctx, userInfoKey(userID), payload, i.ttl).Err(); err != nil {
		return errors.Wrap(err, "store user info")
	}
	logger.Debugf("Presence: user %s online", userID)
	return nil
}

// SetUserOffline убирает пользователя из набора и удаляет профиль.
func (i *Index) SetUserOffline(ctx context.Context, userID string) error {
	if err := i.cli.SRem(ctx, onlineSetKey, userID).Err(); err != nil {
		return errors.Wrap(err, "remove online member")
	}
	if err := i.cli.Del(ctx, userInfoKey(userID)).Err(); err != nil {
		return errors.Wrap(err, "delete user info")
	}
	logger.Debugf("Presence: user %s offline", userID)
	return nil
}

func (i *Index) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	online, err := i.cli.SIsMember(ctx, onlineSetKey, userID).Result()
	if err != nil {
		return false, errors.Wrap(err, "check online member")
	}
	return online, nil
}

func (i *Index) GetOnlineUsers(ctx context.Context) ([]string, error) {
	members, err := i.cli.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list online members")
	}
	return members, nil
}

func (i *Index) GetOnlineUserCount(ctx context.Context) (int64, error) {
	count, err := i.cli.SCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "count online members")
	}
	return count, nil
}

// GetUserInfo читает профиль присутствия. Протухший ключ — (nil, nil).
func (i *Index) GetUserInfo(ctx context.Context, userID string) (*UserInfo, error) {
	raw, err := i.cli.Get(ctx, userInfoKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read user info")
	}
	var info UserInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, errors.Wrap(err, "decode user info")
	}
	return &info, nil
}

// GetOnlineUsersWithInfo собирает членов набора вместе с профилями.
func (i *Index) GetOnlineUsersWithInfo(ctx context.Context) ([]OnlineUser, error) {
	members, err := i.GetOnlineUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]OnlineUser, 0, len(members))
	for _, userID := range members {
		info, err := i.GetUserInfo(ctx, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, OnlineUser{UserID: userID, Info: info})
	}
	return out, nil
}

// CleanupExpiredUsers выкидывает из набора членов без живого профиля.
// Возвращает число удалённых.
func (i *Index) CleanupExpiredUsers(ctx context.Context) (int, error) {
	members, err := i.GetOnlineUsers(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, userID := range members {
		exists, err := i.cli.Exists(ctx, userInfoKey(userID)).Result()
		if err != nil {
			return removed, errors.Wrap(err, "check user info")
		}
		if exists > 0 {
			continue
		}
		if err := i.cli.SRem(ctx, onlineSetKey, userID).Err(); err != nil {
			return removed, errors.Wrap(err, "remove expired member")
		}
		removed++
	}
	if removed > 0 {
		logger.Infof("Presence: cleaned up %d expired user(s)", removed)
	}
	return removed, nil
}

// ClearAllOnlineUsers полностью сбрасывает индекс присутствия.
func (i *Index) ClearAllOnlineUsers(ctx context.Context) error {
	members, err := i.GetOnlineUsers(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(members)+1)
	for _, userID := range members {
		keys = append(keys, userInfoKey(userID))
	}
	keys = append(keys, onlineSetKey)
	if err := i.cli.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "clear presence index")
	}
	logger.Infof("Presence: cleared %d online user(s)", len(members))
	return nil
}
