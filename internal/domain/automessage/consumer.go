package automessage

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ekintkara/njback/internal/domain/chat"
	"github.com/ekintkara/njback/internal/domain/users"
	"github.com/ekintkara/njback/internal/infra/apperrors"
	"github.com/ekintkara/njback/internal/infra/logger"
)

// Имя realtime-события, которое получает адресат автосообщения.
const notificationEvent = "message_received"

const (
	defaultPrefetch   = 10
	defaultMaxRetries = 3
	defaultRetryDelay = 5 * time.Second
	defaultContentMax = 1000
)

// Broker — то, что консьюмеру нужно от rabbitmq.Connector: подписка на
// очередь через отдельный канал и публикация повторов.
type Broker interface {
	Connect(ctx context.Context) error
	IsConnectionActive() bool
	OpenChannel() (*amqp.Channel, error)
	QueueName() string
	SendToQueue(ctx context.Context, body []byte, headers amqp.Table) error
}

// PlanStore — чтение и маркировка запланированных сообщений. Реализуется Store.
type PlanStore interface {
	FindByID(ctx context.Context, id primitive.ObjectID) (*Message, error)
	MarkSent(ctx context.Context, id primitive.ObjectID) (bool, error)
}

// UserDirectory — пакетная загрузка профилей участников. Реализуется users.Store.
type UserDirectory interface {
	FindManyByIDs(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]users.User, error)
}

// ConversationSink — операции чата, нужные для доставки.
// Реализуется chat.ConversationStore.
type ConversationSink interface {
	FindOrCreate(ctx context.Context, a, b primitive.ObjectID) (*chat.Conversation, error)
	UpdateLastMessage(ctx context.Context, convID primitive.ObjectID, last chat.LastMessage) error
}

// MessageSink — сохранение доставленного сообщения. Реализуется chat.MessageStore.
type MessageSink interface {
	Insert(ctx context.Context, msg *chat.Message) error
}

// PresenceChecker — проверка присутствия получателя. Реализуется presence.Index.
type PresenceChecker interface {
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

// RealtimeBus — доставка событий в открытые соединения получателя.
// Реализуется ws.Hub.
type RealtimeBus interface {
	EmitToUser(userID, event string, payload any) error
}

// DeliveryLedger — локальная защита от повторной доставки. Реализуется Ledger.
type DeliveryLedger interface {
	Seen(id string) (bool, error)
	Mark(id string, at time.Time) error
}

// FailureJournal — журнал окончательно неудачных конвертов.
// Реализуется FailedJournal.
type FailureJournal interface {
	Append(records ...FailedRecord) error
}

// ConsumerOptions — зависимости и настройки консьюмера.
type ConsumerOptions struct {
	Broker        Broker
	Plans         PlanStore
	Users         UserDirectory
	Conversations ConversationSink
	Messages      MessageSink
	Presence      PresenceChecker
	Bus           RealtimeBus
	Ledger        DeliveryLedger
	Journal       FailureJournal

	Prefetch   int
	MaxRetries int
	RetryDelay time.Duration
	ContentMax int
}

func (o ConsumerOptions) validate() error {
	switch {
	case o.Broker == nil:
		return errors.New("consumer: broker is required")
	case o.Plans == nil:
		return errors.New("consumer: plan store is required")
	case o.Users == nil:
		return errors.New("consumer: user directory is required")
	case o.Conversations == nil:
		return errors.New("consumer: conversation sink is required")
	case o.Messages == nil:
		return errors.New("consumer: message sink is required")
	case o.Presence == nil:
		return errors.New("consumer: presence checker is required")
	case o.Bus == nil:
		return errors.New("consumer: realtime bus is required")
	case o.Ledger == nil:
		return errors.New("consumer: delivery ledger is required")
	case o.Journal == nil:
		return errors.New("consumer: failure journal is required")
	}
	return nil
}

// Consumer подписывается на очередь автосообщений и доставляет конверты:
// беседа пары находится или создаётся, сообщение сохраняется, запись
// помечается отправленной, получатель по возможности уведомляется.
//
// Нечитаемые и битые по содержимому конверты уходят в мёртвые сразу; любая
// другая ошибка обработки повторяется отложенной перепубликацией с ростом
// x-retry-count, после исчерпания попыток конверт попадает в журнал неудач.
type Consumer struct {
	broker   Broker
	plans    PlanStore
	userDir  UserDirectory
	convs    ConversationSink
	msgs     MessageSink
	presence PresenceChecker
	bus      RealtimeBus
	ledger   DeliveryLedger
	journal  FailureJournal

	prefetch   int
	maxRetries int
	retryDelay time.Duration
	contentMax int

	events *eventBus
	stats  statsTracker

	runCtx context.Context
	cancel context.CancelFunc
	ch     *amqp.Channel
	tag    string

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = defaultPrefetch
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.ContentMax <= 0 {
		opts.ContentMax = defaultContentMax
	}
	return &Consumer{
		broker:     opts.Broker,
		plans:      opts.Plans,
		userDir:    opts.Users,
		convs:      opts.Conversations,
		msgs:       opts.Messages,
		presence:   opts.Presence,
		bus:        opts.Bus,
		ledger:     opts.Ledger,
		journal:    opts.Journal,
		prefetch:   opts.Prefetch,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		contentMax: opts.ContentMax,
		events:     newEventBus(),
	}, nil
}

// Start подключается к брокеру, открывает собственный канал с prefetch и
// запускает насос доставок. Повторные вызовы игнорируются.
func (c *Consumer) Start(ctx context.Context) error {
	var startErr error
	c.startOnce.Do(func() {
		if !c.broker.IsConnectionActive() {
			if err := c.broker.Connect(ctx); err != nil {
				startErr = apperrors.Wrap(err, apperrors.CodeQueueConnection, "broker unavailable")
				return
			}
		}
		ch, err := c.broker.OpenChannel()
		if err != nil {
			startErr = apperrors.Wrap(err, apperrors.CodeQueueConnection, "open consume channel")
			return
		}
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			_ = ch.Close()
			startErr = apperrors.Wrap(err, apperrors.CodeQueueConnection, "set prefetch")
			return
		}
		tag := "automessage-consumer-" + uuid.NewString()
		deliveries, err := ch.Consume(c.broker.QueueName(), tag, false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			startErr = apperrors.Wrap(err, apperrors.CodeQueueConnection, "start consume")
			return
		}

		c.runCtx, c.cancel = context.WithCancel(context.Background())
		c.ch = ch
		c.tag = tag
		c.stats.setRunning(true)
		c.events.emit(Event{Kind: EventConsumerStarted})
		logger.Infof("Consumer: consuming %s (tag %s, prefetch %d)", c.broker.QueueName(), tag, c.prefetch)

		c.wg.Go(func() {
			c.pump(deliveries)
		})
	})
	return startErr
}

// Stop снимает подписку, дожидается хвостов обработки и закрывает канал.
// По истечении ctx обрывает обработку; недоигранные повторы останутся без
// ack и вернутся в очередь средствами брокера.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		c.stats.setRunning(false)
		if c.ch == nil {
			return
		}
		if err := c.ch.Cancel(c.tag, false); err != nil {
			logger.Warnf("Consumer: cancel subscription: %v", err)
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.cancel()
			<-done
			stopErr = ctx.Err()
		}

		c.cancel()
		if err := c.ch.Close(); err != nil {
			logger.Warnf("Consumer: close channel: %v", err)
		}
		c.events.emit(Event{Kind: EventConsumerStopped})
		logger.Info("Consumer: stopped")
	})
	return stopErr
}

// IsRunning сообщает, активна ли подписка.
func (c *Consumer) IsRunning() bool {
	return c.stats.isRunning()
}

// Stats возвращает срез счётчиков консьюмера.
func (c *Consumer) Stats() Stats {
	s := c.stats.snapshot()
	s.DroppedEvents = c.events.droppedCount()
	return s
}

// ResetStats обнуляет счётчики, не трогая состояние запуска.
func (c *Consumer) ResetStats() {
	c.stats.reset()
}

// Events — канал событий консьюмера. Читатель не обязателен: медленный или
// отсутствующий читатель теряет события без блокировки обработки.
func (c *Consumer) Events() <-chan Event {
	return c.events.events()
}

func (c *Consumer) pump(deliveries <-chan amqp.Delivery) {
	defer logger.Debug("Consumer: delivery pump exited")
	for d := range deliveries {
		c.handleDelivery(c.runCtx, d)
	}
}

// handleDelivery доводит один конверт до финального исхода или планирует
// повтор. Счётчики статистики меняются только на финальных исходах.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	started := time.Now()

	env, errParse := ParseEnvelope(d.Body)
	if errParse != nil {
		// Нечитаемый конверт: повтор не поможет, сразу в мёртвые.
		c.deadLetter(d, Envelope{}, 0, errParse)
		c.stats.record(time.Since(started), time.Now().UTC(), false)
		return
	}
	if errVal := env.Validate(c.contentMax); errVal != nil {
		// Конверт читается, но битый по содержимому: исход повторов тот же.
		c.deadLetter(d, env, 0, errVal)
		c.stats.record(time.Since(started), time.Now().UTC(), false)
		return
	}

	res, err := c.processEnvelope(ctx, env)
	if err == nil {
		if errAck := d.Ack(false); errAck != nil {
			logger.Warnf("Consumer: ack failed for %s: %v", env.AutoMessageID, errAck)
		}
		c.stats.record(time.Since(started), time.Now().UTC(), true)
		if res.duplicate {
			logger.Infof("Consumer: duplicate delivery of %s skipped", env.AutoMessageID)
		}
		c.events.emit(Event{
			Kind:          EventMessageProcessed,
			AutoMessageID: env.AutoMessageID,
			ChatMessageID: res.chatMessageID,
		})
		return
	}

	retries := retryCountFrom(d.Headers)
	if retries >= c.maxRetries {
		c.deadLetter(d, env, retries, err)
		c.stats.record(time.Since(started), time.Now().UTC(), false)
		return
	}
	c.scheduleRetry(d, env, retries+1, err)
}

type deliveryResult struct {
	chatMessageID string
	duplicate     bool
}

// processEnvelope выполняет собственно доставку уже валидного конверта.
// Порядок проверок: локальный журнал, состояние записи, участники; затем
// беседа, сохранение, маркировка и уведомление. Всё после сохранения
// сообщения уже не роняет доставку, только логируется.
func (c *Consumer) processEnvelope(ctx context.Context, env Envelope) (deliveryResult, error) {
	var res deliveryResult

	autoID := env.MessageID()
	senderID, receiverID := env.Sender(), env.Receiver()

	if seen, err := c.ledger.Seen(env.AutoMessageID); err != nil {
		// Журнал недоступен: деградируем до проверки isSent ниже.
		logger.Warnf("Consumer: ledger lookup failed for %s: %v", env.AutoMessageID, err)
	} else if seen {
		res.duplicate = true
		return res, nil
	}

	plan, err := c.plans.FindByID(ctx, autoID)
	if err != nil {
		return res, apperrors.Wrap(err, apperrors.CodeInternal, "load planned message")
	}
	if plan == nil {
		return res, apperrors.E(apperrors.CodeMessageNotFound, "planned message not found")
	}
	if plan.IsSent {
		res.duplicate = true
		return res, nil
	}

	dir, err := c.userDir.FindManyByIDs(ctx, []primitive.ObjectID{senderID, receiverID})
	if err != nil {
		return res, apperrors.Wrap(err, apperrors.CodeUserRetrieval, "load participants")
	}
	sender, ok := dir[senderID]
	if !ok {
		return res, apperrors.E(apperrors.CodeSenderNotFound, "sender not found")
	}
	receiver, ok := dir[receiverID]
	if !ok {
		return res, apperrors.E(apperrors.CodeReceiverNotFound, "receiver not found")
	}
	if !sender.IsActive {
		return res, apperrors.E(apperrors.CodeSenderInactive, "sender is inactive")
	}
	if !receiver.IsActive {
		return res, apperrors.E(apperrors.CodeReceiverInactive, "receiver is inactive")
	}

	conv, err := c.convs.FindOrCreate(ctx, senderID, receiverID)
	if err != nil {
		return res, apperrors.Wrap(err, apperrors.CodeConversationCreate, "resolve conversation")
	}

	chatMsg := &chat.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        env.Content,
	}
	if err := c.msgs.Insert(ctx, chatMsg); err != nil {
		return res, apperrors.Wrap(err, apperrors.CodeMessageSave, "persist chat message")
	}
	res.chatMessageID = chatMsg.ID.Hex()

	// С этого момента сообщение доставлено: повтор конверта обязан
	// отсекаться, даже если isSent записать не успеем.
	if err := c.ledger.Mark(env.AutoMessageID, time.Now().UTC()); err != nil {
		logger.Warnf("Consumer: ledger mark failed for %s: %v", env.AutoMessageID, err)
	}

	if err := c.convs.UpdateLastMessage(ctx, conv.ID, chat.LastMessage{
		Content:   env.Content,
		SenderID:  senderID,
		Timestamp: chatMsg.CreatedAt,
	}); err != nil {
		logger.Warnf("Consumer: update last message failed for %s: %v", conv.ID.Hex(), err)
	}

	marked, err := c.plans.MarkSent(ctx, autoID)
	if err != nil {
		logger.Warnf("Consumer: mark sent failed for %s: %v", env.AutoMessageID, err)
	} else if !marked {
		logger.Warnf("Consumer: planned message %s disappeared before mark sent", env.AutoMessageID)
	}

	c.notifyReceiver(ctx, env, sender, conv.ID, chatMsg)
	return res, nil
}

// notificationPayload — тело события message_received.
type notificationPayload struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	SenderInfo     chat.SenderInfo `json:"senderInfo"`
	Content        string          `json:"content"`
	CreatedAt      time.Time       `json:"createdAt"`
	IsAutoMessage  bool            `json:"isAutoMessage"`
}

// notifyReceiver шлёт realtime-уведомление, если получатель онлайн.
// Любая неудача здесь не отменяет уже состоявшуюся доставку.
func (c *Consumer) notifyReceiver(ctx context.Context, env Envelope, sender users.User, convID primitive.ObjectID, msg *chat.Message) {
	online, err := c.presence.IsUserOnline(ctx, env.ReceiverID)
	if err != nil {
		logger.Warnf("Consumer: presence check failed for %s: %v", env.ReceiverID, err)
		return
	}
	if !online {
		logger.Debugf("Consumer: receiver %s offline, realtime notify skipped", env.ReceiverID)
		return
	}

	payload := notificationPayload{
		MessageID:      msg.ID.Hex(),
		ConversationID: convID.Hex(),
		SenderID:       env.SenderID,
		SenderInfo:     chat.SenderInfo{ID: sender.ID, Username: sender.Username, Email: sender.Email},
		Content:        env.Content,
		CreatedAt:      msg.CreatedAt,
		IsAutoMessage:  true,
	}
	if err := c.bus.EmitToUser(env.ReceiverID, notificationEvent, payload); err != nil {
		logger.Warnf("Consumer: realtime notify failed for %s: %v", env.ReceiverID, err)
	}
}

// scheduleRetry откладывает перепубликацию конверта с увеличенным счётчиком.
// Оригинал остаётся без ack до исхода повтора.
func (c *Consumer) scheduleRetry(d amqp.Delivery, env Envelope, attempt int, cause error) {
	logger.Warnf("Consumer: processing %s failed (retry %d/%d in %s): %v",
		env.AutoMessageID, attempt, c.maxRetries, c.retryDelay, cause)
	c.events.emit(Event{
		Kind:          EventMessageRetried,
		AutoMessageID: env.AutoMessageID,
		Attempt:       attempt,
		Err:           cause.Error(),
	})
	c.wg.Go(func() {
		c.delayedRepublish(d, attempt)
	})
}

func (c *Consumer) delayedRepublish(d amqp.Delivery, attempt int) {
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-c.runCtx.Done():
		// Остановка: оригинал остался без ack, брокер вернёт его в очередь.
		logger.Warnf("Consumer: shutdown before retry republish, broker will redeliver")
		return
	case <-timer.C:
	}

	headers := amqp.Table{RetryCountHeader: int32(attempt)}
	if err := c.broker.SendToQueue(c.runCtx, d.Body, headers); err != nil {
		logger.Errorf("Consumer: retry republish failed: %v", err)
		if errNack := d.Nack(false, false); errNack != nil {
			logger.Warnf("Consumer: nack after failed republish: %v", errNack)
		}
		return
	}
	if errAck := d.Ack(false); errAck != nil {
		logger.Warnf("Consumer: ack after republish failed: %v", errAck)
	}
}

// deadLetter убирает конверт из очереди без возврата и журналирует его.
func (c *Consumer) deadLetter(d amqp.Delivery, env Envelope, attempts int, cause error) {
	if err := d.Nack(false, false); err != nil {
		logger.Warnf("Consumer: nack failed: %v", err)
	}

	record := FailedRecord{
		Envelope:  env,
		Reason:    cause.Error(),
		ErrorCode: string(apperrors.CodeOf(cause)),
		Attempts:  attempts,
		FailedAt:  time.Now().UTC(),
	}
	if env.AutoMessageID == "" && len(d.Body) > 0 {
		record.Body = string(d.Body)
	}
	if err := c.journal.Append(record); err != nil {
		logger.Errorf("Consumer: failed journal append: %v", err)
	}

	c.events.emit(Event{
		Kind:          EventMessageFailed,
		AutoMessageID: env.AutoMessageID,
		Attempt:       attempts,
		Err:           cause.Error(),
	})
	logger.Errorf("Consumer: message %q permanently failed after %d attempt(s): %v",
		env.AutoMessageID, attempts, cause)
}

// retryCountFrom достаёт счётчик повторов из заголовков. Отсутствие или
// неожиданный тип трактуются как ноль.
func retryCountFrom(headers amqp.Table) int {
	raw, ok := headers[RetryCountHeader]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
