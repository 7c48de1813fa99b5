package automessage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ekintkara/njback/internal/infra/apperrors"
	"github.com/ekintkara/njback/internal/infra/logger"
)

// RetryCountHeader — заголовок счётчика повторов в сообщениях очереди.
const RetryCountHeader = "x-retry-count"

const defaultBatchSize = 50

// QueuePublisher — то, что диспетчеру нужно от брокера.
// Реализуется rabbitmq.Connector.
type QueuePublisher interface {
	IsConnectionActive() bool
	Connect(ctx context.Context) error
	SendToQueue(ctx context.Context, body []byte, headers amqp.Table) error
}

// DueSource — выборка и маркировка созревших сообщений. Реализуется Store.
type DueSource interface {
	FindDue(ctx context.Context, now time.Time, limit int64) ([]Message, error)
	MarkQueued(ctx context.Context, ids []primitive.ObjectID) (int64, error)
}

// DispatchResult — итог одного прогона диспетчера.
type DispatchResult struct {
	Processed int      `json:"processed"`
	Queued    int      `json:"queued"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// DispatcherOptions — зависимости диспетчера. Now подменяется в тестах.
type DispatcherOptions struct {
	Due       DueSource
	Broker    QueuePublisher
	BatchSize int
	Now       func() time.Time
}

// Dispatcher выгружает созревшие сообщения в очередь пачками.
type Dispatcher struct {
	due       DueSource
	broker    QueuePublisher
	batchSize int
	now       func() time.Time
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Due == nil {
		return nil, errors.New("dispatcher: due source is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("dispatcher: broker is required")
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{due: opts.Due, broker: opts.Broker, batchSize: batch, now: now}, nil
}

// DispatchDue перегоняет все созревшие на момент вызова сообщения в очередь.
// Выборка делается один раз и режется на пачки; каждое сообщение за прогон
// публикуется не больше одного раза. Сообщение считается queued только после
// успешной публикации: в MarkQueued уходят строго идентификаторы
// опубликованных, неудачные остаются созревшими до следующего прогона.
func (d *Dispatcher) DispatchDue(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult

	if !d.broker.IsConnectionActive() {
		if err := d.broker.Connect(ctx); err != nil {
			return result, apperrors.Wrap(err, apperrors.CodeQueueProcessing, "broker unavailable")
		}
	}

	now := d.now().UTC()
	due, err := d.due.FindDue(ctx, now, 0)
	if err != nil {
		return result, apperrors.Wrap(err, apperrors.CodeQueueProcessing, "load due messages")
	}
	if len(due) == 0 {
		return result, nil
	}
	result.Processed = len(due)

	for start := 0; start < len(due); start += d.batchSize {
		end := start + d.batchSize
		if end > len(due) {
			end = len(due)
		}
		batch := due[start:end]

		published := make([]primitive.ObjectID, 0, len(batch))
		for i := range batch {
			msg := &batch[i]

			body, errJSON := json.Marshal(NewEnvelope(*msg, now))
			if errJSON != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: encode: %v", msg.ID.Hex(), errJSON))
				continue
			}
			headers := amqp.Table{RetryCountHeader: int32(0)}
			if errPub := d.broker.SendToQueue(ctx, body, headers); errPub != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: publish: %v", msg.ID.Hex(), errPub))
				logger.Warnf("Dispatcher: publish %s failed: %v", msg.ID.Hex(), errPub)
				continue
			}
			published = append(published, msg.ID)
		}
		if len(published) == 0 {
			continue
		}

		marked, errMark := d.due.MarkQueued(ctx, published)
		if errMark != nil {
			// Конверты уже в очереди; их повтор отсечёт защита консьюмера.
			result.Errors = append(result.Errors, fmt.Sprintf("mark queued: %v", errMark))
			return result, apperrors.Wrap(errMark, apperrors.CodeQueueProcessing, "mark published messages queued")
		}
		result.Queued += len(published)
		if marked != int64(len(published)) {
			logger.Warnf("Dispatcher: marked %d of %d published message(s)", marked, len(published))
		}
	}

	logger.Infof("Dispatcher: processed %d, queued %d, failed %d", result.Processed, result.Queued, result.Failed)
	return result, nil
}
