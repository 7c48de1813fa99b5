package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/time/rate"

	"github.com/ekintkara/njback/internal/infra/apperrors"
	"github.com/ekintkara/njback/internal/infra/logger"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxInboundBytes = 4096
	sendBufferSize  = 32
)

// inboundFrame — входящий кадр клиента.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// markReadRequest — данные события mark_read.
type markReadRequest struct {
	ConversationID string `json:"conversationId"`
}

// errorPayload — тело события error.
type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// client — одно websocket-соединение пользователя.
type client struct {
	id       string
	userID   string
	username string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	done     chan struct{}
	stopOnce sync.Once
}

// stop закрывает соединение и будит оба насоса. Идемпотентен.
func (c *client) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue кладёт кадр в буфер соединения. Переполнение буфера означает
// безнадёжно отставшего клиента: соединение обрывается.
func (c *client) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		logger.Warnf("WS: send buffer overflow, dropping conn %s of user %s", c.id, c.userID)
		c.stop()
	}
}

// readPump читает кадры клиента до разрыва соединения.
// Частота входящих кадров ограничена лимитером; превышение не обрабатывается,
// клиенту уходит событие error.
func (c *client) readPump(ctx context.Context) {
	defer c.stop()

	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("WS: conn %s read error: %v", c.id, err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.sendError("inbound rate limit exceeded", apperrors.CodeRateLimited)
			continue
		}
		c.handleInbound(ctx, raw)
	}
}

// writePump владеет записью в сокет: кадры из буфера и периодические пинги.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debugf("WS: write to conn %s failed: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (c *client) handleInbound(ctx context.Context, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendError("malformed frame", apperrors.CodeValidation)
		return
	}
	switch frame.Event {
	case "mark_read":
		c.handleMarkRead(ctx, frame.Data)
	default:
		c.sendError(fmt.Sprintf("unknown event %q", frame.Event), apperrors.CodeValidation)
	}
}

func (c *client) handleMarkRead(ctx context.Context, data json.RawMessage) {
	var req markReadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("malformed mark_read payload", apperrors.CodeValidation)
		return
	}
	convID, err := primitive.ObjectIDFromHex(req.ConversationID)
	if err != nil {
		c.sendError("conversationId is not a valid object id", apperrors.CodeValidation)
		return
	}
	readerID, err := primitive.ObjectIDFromHex(c.userID)
	if err != nil {
		c.sendError("connection user id is not a valid object id", apperrors.CodeValidation)
		return
	}

	updated, err := c.hub.reads.MarkRead(ctx, convID, readerID)
	if err != nil {
		logger.Warnf("WS: mark_read failed for %s: %v", req.ConversationID, err)
		c.sendError("failed to mark conversation read", apperrors.CodeInternal)
		return
	}
	c.reply("messages_read", map[string]any{
		"conversationId": req.ConversationID,
		"updated":        updated,
	})
}

// reply шлёт кадр только в это соединение.
func (c *client) reply(event string, payload any) {
	data, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		logger.Warnf("WS: encode %s frame: %v", event, err)
		return
	}
	c.enqueue(data)
}

func (c *client) sendError(message string, code apperrors.Code) {
	c.reply("error", errorPayload{Message: message, Code: string(code)})
}
