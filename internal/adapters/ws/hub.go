// Package ws: realtime-шлюз поверх gorilla/websocket.
// Шлюз держит комнату соединений на пользователя и доставляет события вида
// {"event", "data"} во все его открытые соединения. Присутствие в Redis
// отражает не соединения, а пользователей: онлайн ставится на первом
// соединении, офлайн — только после закрытия последнего.
//
// Аутентификация — забота внешнего слоя: хендшейк доверяет параметрам
// userId/username из строки запроса.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/time/rate"

	"github.com/ekintkara/njback/internal/domain/presence"
	"github.com/ekintkara/njback/internal/infra/logger"
)

const (
	defaultInboundRPS = 5

	presenceOpTimeout = 5 * time.Second
)

// Frame — исходящий кадр шлюза.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PresenceIndex — регистрация присутствия. Реализуется presence.Index.
type PresenceIndex interface {
	SetUserOnline(ctx context.Context, userID string, info presence.UserInfo) error
	SetUserOffline(ctx context.Context, userID string) error
}

// ReadMarker помечает сообщения беседы прочитанными. Реализуется chat.MessageStore.
type ReadMarker interface {
	MarkRead(ctx context.Context, convID, readerID primitive.ObjectID) (int64, error)
}

// Options — зависимости и настройки шлюза.
type Options struct {
	Presence   PresenceIndex
	Reads      ReadMarker
	InboundRPS int
}

// Hub — реестр открытых соединений, сгруппированных по пользователям.
type Hub struct {
	presence PresenceIndex
	reads    ReadMarker
	rps      int

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	rooms  map[string]map[*client]struct{}
	closed bool

	wg sync.WaitGroup
}

func NewHub(opts Options) (*Hub, error) {
	if opts.Presence == nil {
		return nil, errors.New("ws: presence index is required")
	}
	if opts.Reads == nil {
		return nil, errors.New("ws: read marker is required")
	}
	rps := opts.InboundRPS
	if rps <= 0 {
		rps = defaultInboundRPS
	}
	return &Hub{
		presence: opts.Presence,
		reads:    opts.Reads,
		rps:      rps,
		rooms:    make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Происхождение проверяет внешний слой вместе с аутентификацией.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// EmitToUser маршалит кадр и рассылает его во все соединения пользователя.
// Отсутствие соединений не считается ошибкой: событие просто некому отдать.
func (h *Hub) EmitToUser(userID, event string, payload any) error {
	data, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[userID]))
	for c := range h.rooms[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
	return nil
}

// ConnectionCount возвращает число открытых соединений.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, room := range h.rooms {
		total += len(room)
	}
	return total
}

// ServeHTTP апгрейдит запрос и обслуживает соединение до разрыва.
// Чтение идёт в горутине хендлера, запись — в отдельной.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if userID == "" {
		http.Error(w, "userId query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Ответ клиенту уже отправлен апгрейдером.
		logger.Warnf("WS: upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		limiter:  rate.NewLimiter(rate.Limit(h.rps), h.rps),
		done:     make(chan struct{}),
	}

	registered, first := h.register(c)
	if !registered {
		_ = conn.Close()
		return
	}
	defer h.wg.Done()

	logger.Infof("WS: user %s connected (conn %s, %d open)", userID, c.id, h.ConnectionCount())
	if first {
		if err := h.presence.SetUserOnline(r.Context(), userID, presence.UserInfo{
			Username: username,
			Email:    email,
		}); err != nil {
			logger.Warnf("WS: presence online failed for %s: %v", userID, err)
		}
	}

	h.wg.Go(func() {
		c.writePump()
	})
	c.readPump(r.Context())

	last := h.unregister(c)
	c.stop()
	if last {
		// Контекст запроса к этому моменту уже может быть мёртв.
		offCtx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
		defer cancel()
		if err := h.presence.SetUserOffline(offCtx, userID); err != nil {
			logger.Warnf("WS: presence offline failed for %s: %v", userID, err)
		}
	}
	logger.Infof("WS: user %s disconnected (conn %s)", userID, c.id)
}

// register добавляет соединение в комнату пользователя и учитывает хендлер
// в wg. Возвращает (принято ли соединение, первое ли оно у пользователя).
func (h *Hub) register(c *client) (registered, first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, false
	}
	room, ok := h.rooms[c.userID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.userID] = room
	}
	room[c] = struct{}{}
	h.wg.Add(1)
	return true, len(room) == 1
}

// unregister убирает соединение из комнаты. Возвращает true, если у
// пользователя не осталось соединений.
func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.userID]
	if !ok {
		return false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.userID)
		return true
	}
	return false
}

// Shutdown запрещает новые соединения, закрывает открытые и ждёт
// завершения обслуживания до дедлайна ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	targets := make([]*client, 0)
	for _, room := range h.rooms {
		for c := range room {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.stop()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("WS: hub drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
