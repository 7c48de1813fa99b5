// Package rabbitmq — коннектор к брокеру: одно подключение на процесс,
// объявление durable-очереди и публикация персистентных сообщений.
// Экземпляр создаётся в сборке приложения и передаётся диспетчеру и
// потребителю через конструкторы; автоматического реконнекта нет,
// неудачная публикация — ошибка вызывающего.
package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/ekintkara/njback/internal/infra/logger"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// dialTimeout ограничивает установку TCP-соединения с брокером.
const dialTimeout = 10 * time.Second

// heartbeatInterval — интервал heartbeat'ов AMQP. Разрывы линка обнаруживаются
// в пределах двух интервалов.
const heartbeatInterval = 10 * time.Second

// Connector владеет соединением с брокером и публикационным каналом.
// Публикационный канал один: amqp091 сериализует конкурентные публикации
// внутренним мьютексом. Потребитель открывает собственный канал через
// OpenChannel, чтобы настроить prefetch независимо.
type Connector struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConnector создаёт неподключённый коннектор. Подключение выполняется в Connect.
func NewConnector(url, queue string) *Connector {
	return &Connector{url: url, queue: queue}
}

// Connect устанавливает соединение, открывает публикационный канал и объявляет
// durable-очередь. Повторный вызов при живом соединении — no-op.
func (c *Connector) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: heartbeatInterval,
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return errors.Wrap(err, "dial broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "open publish channel")
	}

	if _, err := declareQueue(ch, c.queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return errors.Wrapf(err, "declare queue %s", c.queue)
	}

	c.conn = conn
	c.ch = ch
	logger.Debugf("rabbitmq: connected (queue=%s)", c.queue)
	return nil
}

// declareQueue объявляет durable-очередь с параметрами по умолчанию.
// Сообщения переживают рестарт брокера; автоудаления и эксклюзивности нет.
func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
}

// IsConnectionActive сообщает, живо ли соединение с брокером.
func (c *Connector) IsConnectionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// QueueName возвращает имя обслуживаемой очереди.
func (c *Connector) QueueName() string {
	return c.queue
}

// OpenChannel открывает новый канал на текущем соединении. Используется
// потребителем: Qos и Consume требуют собственного канала.
// Объявление очереди повторяется, чтобы канал не зависел от порядка запуска.
func (c *Connector) OpenChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil, errors.New("broker connection is not active")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if _, err := declareQueue(ch, c.queue); err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "declare queue %s", c.queue)
	}
	return ch, nil
}

// SendToQueue публикует персистентное JSON-сообщение в очередь коннектора.
// Headers передаются как есть (там живёт счётчик ретраев x-retry-count).
func (c *Connector) SendToQueue(ctx context.Context, body []byte, headers amqp.Table) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	if ch == nil {
		return errors.New("broker connection is not active")
	}

	err := ch.PublishWithContext(ctx,
		"",      // exchange: default
		c.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
			Body:         body,
		})
	if err != nil {
		return errors.Wrap(err, "publish")
	}
	return nil
}

// Disconnect закрывает канал и соединение. Идемпотентен.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			return errors.Wrap(err, "close connection")
		}
	}
	c.conn = nil
	logger.Debug("rabbitmq: disconnected")
	return nil
}
