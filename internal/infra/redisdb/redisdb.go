// Package redisdb — подключение к Redis для индекса присутствия.
// Клиент создаётся один раз при сборке приложения и передаётся зависимым
// компонентам через конструкторы.
package redisdb

import (
	"context"
	"time"

	"github.com/ekintkara/njback/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// pingTimeout ограничивает проверку соединения при старте.
const pingTimeout = 5 * time.Second

// Connect создаёт клиент, проверяет соединение ping'ом и возвращает его.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, errors.Wrap(err, "redis ping")
	}

	logger.Debugf("redisdb: connected (addr=%s db=%d)", addr, db)
	return cli, nil
}
