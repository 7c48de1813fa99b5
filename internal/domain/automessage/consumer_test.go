package automessage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ekintkara/njback/internal/domain/chat"
	"github.com/ekintkara/njback/internal/domain/users"
	"github.com/ekintkara/njback/internal/infra/apperrors"
)

// ackRecorder подменяет Acknowledger доставки и запоминает исходы.
type ackRecorder struct {
	mu    sync.Mutex
	acks  int
	nacks []bool // значение requeue каждого nack
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, requeue)
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

func (a *ackRecorder) snapshot() (int, []bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, append([]bool(nil), a.nacks...)
}

type consumerBrokerFake struct {
	mu      sync.Mutex
	sendErr error
	sent    []publishedMessage
}

func (f *consumerBrokerFake) Connect(context.Context) error { return nil }
func (f *consumerBrokerFake) IsConnectionActive() bool      { return true }
func (f *consumerBrokerFake) OpenChannel() (*amqp.Channel, error) {
	return nil, fmt.Errorf("not used in tests")
}
func (f *consumerBrokerFake) QueueName() string { return "message_sending_queue" }

func (f *consumerBrokerFake) SendToQueue(_ context.Context, body []byte, headers amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, publishedMessage{body: body, headers: headers})
	return nil
}

func (f *consumerBrokerFake) published() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.sent...)
}

type planStoreFake struct {
	plans       map[primitive.ObjectID]*Message
	findErr     error
	markSentErr error

	markSent []primitive.ObjectID
}

func (f *planStoreFake) FindByID(_ context.Context, id primitive.ObjectID) (*Message, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.plans[id], nil
}

func (f *planStoreFake) MarkSent(_ context.Context, id primitive.ObjectID) (bool, error) {
	if f.markSentErr != nil {
		return false, f.markSentErr
	}
	f.markSent = append(f.markSent, id)
	return true, nil
}

type userDirFake struct {
	users map[primitive.ObjectID]users.User
	err   error
}

func (f *userDirFake) FindManyByIDs(_ context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]users.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[primitive.ObjectID]users.User, len(ids))
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

type convSinkFake struct {
	conv      *chat.Conversation
	findErr   error
	updateErr error

	updates []chat.LastMessage
}

func (f *convSinkFake) FindOrCreate(_ context.Context, a, b primitive.ObjectID) (*chat.Conversation, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.conv == nil {
		f.conv = &chat.Conversation{
			ID:           primitive.NewObjectID(),
			Participants: []primitive.ObjectID{a, b},
		}
	}
	return f.conv, nil
}

func (f *convSinkFake) UpdateLastMessage(_ context.Context, _ primitive.ObjectID, last chat.LastMessage) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, last)
	return nil
}

type msgSinkFake struct {
	insertErr error
	inserted  []chat.Message
}

func (f *msgSinkFake) Insert(_ context.Context, msg *chat.Message) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	msg.ID = primitive.NewObjectID()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	f.inserted = append(f.inserted, *msg)
	return nil
}

type presenceCheckFake struct {
	online bool
	err    error
	asked  []string
}

func (f *presenceCheckFake) IsUserOnline(_ context.Context, userID string) (bool, error) {
	f.asked = append(f.asked, userID)
	return f.online, f.err
}

type emittedEvent struct {
	userID  string
	event   string
	payload any
}

type realtimeBusFake struct {
	err   error
	emits []emittedEvent
}

func (f *realtimeBusFake) EmitToUser(userID, event string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.emits = append(f.emits, emittedEvent{userID: userID, event: event, payload: payload})
	return nil
}

type ledgerFake struct {
	seen    map[string]bool
	seenErr error
	markErr error
	marked  []string
}

func (f *ledgerFake) Seen(id string) (bool, error) {
	if f.seenErr != nil {
		return false, f.seenErr
	}
	return f.seen[id], nil
}

func (f *ledgerFake) Mark(id string, _ time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

type journalFake struct {
	appendErr error
	records   []FailedRecord
}

func (f *journalFake) Append(records ...FailedRecord) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.records = append(f.records, records...)
	return nil
}

type consumerFixture struct {
	broker   *consumerBrokerFake
	plans    *planStoreFake
	userDir  *userDirFake
	convs    *convSinkFake
	msgs     *msgSinkFake
	presence *presenceCheckFake
	bus      *realtimeBusFake
	ledger   *ledgerFake
	journal  *journalFake

	consumer *Consumer
}

func newConsumerFixture(t *testing.T, retryDelay time.Duration) *consumerFixture {
	t.Helper()
	f := &consumerFixture{
		broker:   &consumerBrokerFake{},
		plans:    &planStoreFake{plans: map[primitive.ObjectID]*Message{}},
		userDir:  &userDirFake{users: map[primitive.ObjectID]users.User{}},
		convs:    &convSinkFake{},
		msgs:     &msgSinkFake{},
		presence: &presenceCheckFake{},
		bus:      &realtimeBusFake{},
		ledger:   &ledgerFake{seen: map[string]bool{}},
		journal:  &journalFake{},
	}
	c, err := NewConsumer(ConsumerOptions{
		Broker:        f.broker,
		Plans:         f.plans,
		Users:         f.userDir,
		Conversations: f.convs,
		Messages:      f.msgs,
		Presence:      f.presence,
		Bus:           f.bus,
		Ledger:        f.ledger,
		Journal:       f.journal,
		MaxRetries:    3,
		RetryDelay:    retryDelay,
	})
	if err != nil {
		t.Fatalf("NewConsumer() error: %v", err)
	}
	// Start не вызывается: тесты кормят handleDelivery напрямую, поэтому
	// контекст перепубликаций заводится руками.
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	t.Cleanup(c.cancel)
	f.consumer = c
	return f
}

// seedDelivery готовит согласованную пару, запись плана и конверт к ней.
func (f *consumerFixture) seedDelivery(t *testing.T) (Envelope, Message) {
	t.Helper()
	sender := users.User{ID: primitive.NewObjectID(), Username: "ayse", Email: "ayse@example.com", IsActive: true}
	receiver := users.User{ID: primitive.NewObjectID(), Username: "mehmet", Email: "mehmet@example.com", IsActive: true}
	f.userDir.users[sender.ID] = sender
	f.userDir.users[receiver.ID] = receiver

	plan := Message{
		ID:         primitive.NewObjectID(),
		SenderID:   sender.ID,
		ReceiverID: receiver.ID,
		Content:    "Nasılsın?",
		SendDate:   time.Now().UTC().Add(-time.Minute),
		IsQueued:   true,
	}
	f.plans.plans[plan.ID] = &plan
	return NewEnvelope(plan, time.Now().UTC()), plan
}

func newQueueDelivery(t *testing.T, env Envelope, retryHeader any) (amqp.Delivery, *ackRecorder) {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return rawQueueDelivery(body, retryHeader)
}

func rawQueueDelivery(body []byte, retryHeader any) (amqp.Delivery, *ackRecorder) {
	ack := &ackRecorder{}
	headers := amqp.Table{}
	if retryHeader != nil {
		headers[RetryCountHeader] = retryHeader
	}
	return amqp.Delivery{
		Acknowledger: ack,
		Headers:      headers,
		DeliveryTag:  1,
		Body:         body,
	}, ack
}

func drainEvents(c *Consumer) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestConsumerDeliversEnvelope(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, time.Millisecond)
	env, plan := f.seedDelivery(t)
	f.presence.online = true
	d, ack := newQueueDelivery(t, env, nil)

	f.consumer.handleDelivery(context.Background(), d)

	if acks, nacks := ack.snapshot(); acks != 1 || len(nacks) != 0 {
		t.Fatalf("acks = %d, nacks = %v, want single ack", acks, nacks)
	}
	if len(f.msgs.inserted) != 1 {
		t.Fatalf("inserted messages = %d, want 1", len(f.msgs.inserted))
	}
	saved := f.msgs.inserted[0]
	if saved.SenderID != plan.SenderID || saved.Content != plan.Content {
		t.Errorf("saved message = %+v, want sender %s content %q", saved, plan.SenderID.Hex(), plan.Content)
	}
	if f.convs.conv == nil || saved.ConversationID != f.convs.conv.ID {
		t.Error("saved message is not bound to the resolved conversation")
	}
	if len(f.convs.updates) != 1 || f.convs.updates[0].Content != plan.Content {
		t.Errorf("last message updates = %+v, want one with plan content", f.convs.updates)
	}
	if len(f.plans.markSent) != 1 || f.plans.markSent[0] != plan.ID {
		t.Errorf("markSent = %v, want [%s]", f.plans.markSent, plan.ID.Hex())
	}
	if len(f.ledger.marked) != 1 || f.ledger.marked[0] != env.AutoMessageID {
		t.Errorf("ledger marks = %v, want [%s]", f.ledger.marked, env.AutoMessageID)
	}

	if len(f.presence.asked) != 1 || f.presence.asked[0] != env.ReceiverID {
		t.Errorf("presence asked = %v, want [%s]", f.presence.asked, env.ReceiverID)
	}
	if len(f.bus.emits) != 1 {
		t.Fatalf("realtime emits = %d, want 1", len(f.bus.emits))
	}
	emit := f.bus.emits[0]
	if emit.userID != env.ReceiverID || emit.event != notificationEvent {
		t.Errorf("emit to %s event %s, want %s %s", emit.userID, emit.event, env.ReceiverID, notificationEvent)
	}
	payload, ok := emit.payload.(notificationPayload)
	if !ok {
		t.Fatalf("payload type = %T, want notificationPayload", emit.payload)
	}
	if !payload.IsAutoMessage || payload.MessageID != saved.ID.Hex() || payload.SenderInfo.Username != "ayse" {
		t.Errorf("payload = %+v, want auto message %s from ayse", payload, saved.ID.Hex())
	}

	stats := f.consumer.Stats()
	if stats.TotalProcessed != 1 || stats.TotalSuccessful != 1 || stats.TotalFailed != 0 {
		t.Errorf("stats = %+v, want one successful", stats)
	}

	events := drainEvents(f.consumer)
	if len(events) != 1 || events[0].Kind != EventMessageProcessed || events[0].AutoMessageID != env.AutoMessageID {
		t.Errorf("events = %+v, want single MESSAGE_PROCESSED", events)
	}
}

func TestConsumerRealtimeNotify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(f *consumerFixture)
	}{
		{"offline receiver", func(f *consumerFixture) { f.presence.online = false }},
		{"presence check failure", func(f *consumerFixture) { f.presence.err = fmt.Errorf("redis timeout") }},
		{"bus failure", func(f *consumerFixture) { f.presence.online = true; f.bus.err = fmt.Errorf("conn gone") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newConsumerFixture(t, time.Millisecond)
			env, _ := f.seedDelivery(t)
			tc.setup(f)
			d, ack := newQueueDelivery(t, env, nil)

			f.consumer.handleDelivery(context.Background(), d)

			// Уведомление не состоялось, но доставка успешна.
			if acks, nacks := ack.snapshot(); acks != 1 || len(nacks) != 0 {
				t.Fatalf("acks = %d, nacks = %v, want single ack", acks, nacks)
			}
			if len(f.msgs.inserted) != 1 {
				t.Errorf("inserted = %d, want 1", len(f.msgs.inserted))
			}
			if len(f.bus.emits) != 0 {
				t.Errorf("emits = %v, want none delivered to reader", f.bus.emits)
			}
			if stats := f.consumer.Stats(); stats.TotalSuccessful != 1 {
				t.Errorf("TotalSuccessful = %d, want 1", stats.TotalSuccessful)
			}
		})
	}
}

func TestConsumerDuplicateSkipped(t *testing.T) {
	t.Parallel()

	t.Run("ledger remembers delivery", func(t *testing.T) {
		t.Parallel()
		f := newConsumerFixture(t, time.Millisecond)
		env, _ := f.seedDelivery(t)
		f.ledger.seen[env.AutoMessageID] = true
		d, ack := newQueueDelivery(t, env, nil)

		f.consumer.handleDelivery(context.Background(), d)

		if acks, _ := ack.snapshot(); acks != 1 {
			t.Fatal("duplicate must still be acked")
		}
		if len(f.msgs.inserted) != 0 || len(f.plans.markSent) != 0 {
			t.Error("duplicate must not touch storage")
		}
		if stats := f.consumer.Stats(); stats.TotalSuccessful != 1 {
			t.Errorf("TotalSuccessful = %d, want 1", stats.TotalSuccessful)
		}
	})

	t.Run("plan already sent", func(t *testing.T) {
		t.Parallel()
		f := newConsumerFixture(t, time.Millisecond)
		env, plan := f.seedDelivery(t)
		f.plans.plans[plan.ID].IsSent = true
		d, ack := newQueueDelivery(t, env, nil)

		f.consumer.handleDelivery(context.Background(), d)

		if acks, _ := ack.snapshot(); acks != 1 {
			t.Fatal("duplicate must still be acked")
		}
		if len(f.msgs.inserted) != 0 {
			t.Error("already sent plan must not produce a chat message")
		}
	})
}

func TestConsumerUnparsableBodyDeadLetters(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, time.Millisecond)
	d, ack := rawQueueDelivery([]byte(`{"autoMessageId":`), nil)

	f.consumer.handleDelivery(context.Background(), d)

	acks, nacks := ack.snapshot()
	if acks != 0 || len(nacks) != 1 || nacks[0] {
		t.Fatalf("acks = %d, nacks = %v, want single nack without requeue", acks, nacks)
	}
	if len(f.journal.records) != 1 {
		t.Fatalf("journal records = %d, want 1", len(f.journal.records))
	}
	rec := f.journal.records[0]
	if rec.Body != `{"autoMessageId":` {
		t.Errorf("record body = %q, want the raw payload", rec.Body)
	}
	if rec.ErrorCode != string(apperrors.CodeInternal) {
		t.Errorf("record code = %s, want %s", rec.ErrorCode, apperrors.CodeInternal)
	}
	if len(f.broker.published()) != 0 {
		t.Error("unparsable envelope must not be republished")
	}
	if stats := f.consumer.Stats(); stats.TotalFailed != 1 || stats.TotalProcessed != 1 {
		t.Errorf("stats = %+v, want one failed", stats)
	}
}

func TestConsumerInvalidEnvelopeDeadLettersWithoutRetry(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, time.Millisecond)
	env, _ := f.seedDelivery(t)
	env.ReceiverID = env.SenderID
	d, ack := newQueueDelivery(t, env, nil)

	f.consumer.handleDelivery(context.Background(), d)

	acks, nacks := ack.snapshot()
	if acks != 0 || len(nacks) != 1 || nacks[0] {
		t.Fatalf("acks = %d, nacks = %v, want single nack without requeue", acks, nacks)
	}
	if len(f.broker.published()) != 0 {
		t.Fatal("invalid envelope must not enter the retry loop")
	}
	if len(f.journal.records) != 1 {
		t.Fatalf("journal records = %d, want 1", len(f.journal.records))
	}
	rec := f.journal.records[0]
	if rec.ErrorCode != string(apperrors.CodeSelfMessage) || rec.Attempts != 0 {
		t.Errorf("record = %+v, want %s with zero attempts", rec, apperrors.CodeSelfMessage)
	}
	if rec.Body != "" {
		t.Error("parsable envelope must be journaled structurally, not as raw body")
	}
	events := drainEvents(f.consumer)
	if len(events) != 1 || events[0].Kind != EventMessageFailed {
		t.Errorf("events = %+v, want single MESSAGE_FAILED", events)
	}
}

func TestConsumerRetryableOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(f *consumerFixture, env Envelope, plan Message)
	}{
		{"plan lookup failure", func(f *consumerFixture, _ Envelope, _ Message) {
			f.plans.findErr = fmt.Errorf("mongo down")
		}},
		{"plan missing", func(f *consumerFixture, _ Envelope, plan Message) {
			delete(f.plans.plans, plan.ID)
		}},
		{"receiver missing", func(f *consumerFixture, _ Envelope, plan Message) {
			delete(f.userDir.users, plan.ReceiverID)
		}},
		{"sender inactive", func(f *consumerFixture, _ Envelope, plan Message) {
			u := f.userDir.users[plan.SenderID]
			u.IsActive = false
			f.userDir.users[plan.SenderID] = u
		}},
		{"conversation failure", func(f *consumerFixture, _ Envelope, _ Message) {
			f.convs.findErr = fmt.Errorf("duplicate key race")
		}},
		{"message save failure", func(f *consumerFixture, _ Envelope, _ Message) {
			f.msgs.insertErr = fmt.Errorf("write concern")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newConsumerFixture(t, time.Millisecond)
			env, plan := f.seedDelivery(t)
			tc.setup(f, env, plan)
			d, ack := newQueueDelivery(t, env, nil)

			f.consumer.handleDelivery(context.Background(), d)
			f.consumer.wg.Wait()

			published := f.broker.published()
			if len(published) != 1 {
				t.Fatalf("republished = %d, want 1", len(published))
			}
			if got, ok := published[0].headers[RetryCountHeader].(int32); !ok || got != 1 {
				t.Errorf("%s = %v, want int32(1)", RetryCountHeader, published[0].headers[RetryCountHeader])
			}
			if string(published[0].body) != string(d.Body) {
				t.Error("republished body must match the original envelope")
			}

			// Оригинал подтверждается только после успешной перепубликации.
			if acks, nacks := ack.snapshot(); acks != 1 || len(nacks) != 0 {
				t.Errorf("acks = %d, nacks = %v, want ack after republish", acks, nacks)
			}
			if stats := f.consumer.Stats(); stats.TotalProcessed != 0 {
				t.Errorf("TotalProcessed = %d, retry must not count as final", stats.TotalProcessed)
			}
			events := drainEvents(f.consumer)
			if len(events) != 1 || events[0].Kind != EventMessageRetried || events[0].Attempt != 1 {
				t.Errorf("events = %+v, want single MESSAGE_RETRIED attempt 1", events)
			}
		})
	}
}

func TestConsumerExhaustedRetriesDeadLetter(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, time.Millisecond)
	env, _ := f.seedDelivery(t)
	f.convs.findErr = fmt.Errorf("still broken")
	d, ack := newQueueDelivery(t, env, int32(3))

	f.consumer.handleDelivery(context.Background(), d)

	acks, nacks := ack.snapshot()
	if acks != 0 || len(nacks) != 1 || nacks[0] {
		t.Fatalf("acks = %d, nacks = %v, want single nack without requeue", acks, nacks)
	}
	if len(f.broker.published()) != 0 {
		t.Fatal("exhausted envelope must not be republished")
	}
	if len(f.journal.records) != 1 {
		t.Fatalf("journal records = %d, want 1", len(f.journal.records))
	}
	rec := f.journal.records[0]
	if rec.Attempts != 3 || rec.ErrorCode != string(apperrors.CodeConversationCreate) {
		t.Errorf("record = %+v, want 3 attempts with %s", rec, apperrors.CodeConversationCreate)
	}
	if rec.Envelope.AutoMessageID != env.AutoMessageID {
		t.Errorf("journaled envelope id = %s, want %s", rec.Envelope.AutoMessageID, env.AutoMessageID)
	}
	if stats := f.consumer.Stats(); stats.TotalFailed != 1 {
		t.Errorf("TotalFailed = %d, want 1", stats.TotalFailed)
	}
}

func TestConsumerRepublishFailureNacks(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, time.Millisecond)
	env, _ := f.seedDelivery(t)
	f.convs.findErr = fmt.Errorf("transient")
	f.broker.sendErr = fmt.Errorf("broker gone")
	d, ack := newQueueDelivery(t, env, nil)

	f.consumer.handleDelivery(context.Background(), d)
	f.consumer.wg.Wait()

	// Перепубликация не удалась: конверт возвращается брокеру без ack.
	acks, nacks := ack.snapshot()
	if acks != 0 || len(nacks) != 1 {
		t.Fatalf("acks = %d, nacks = %v, want single nack", acks, nacks)
	}
}

func TestConsumerShutdownCancelsPendingRetry(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, time.Minute)
	env, _ := f.seedDelivery(t)
	f.convs.findErr = fmt.Errorf("transient")
	d, ack := newQueueDelivery(t, env, nil)

	f.consumer.handleDelivery(context.Background(), d)
	f.consumer.cancel()
	f.consumer.wg.Wait()

	// Повтор отменён: без ack и без публикации, конверт вернёт брокер.
	if len(f.broker.published()) != 0 {
		t.Error("cancelled retry must not publish")
	}
	if acks, nacks := ack.snapshot(); acks != 0 || len(nacks) != 0 {
		t.Errorf("acks = %d, nacks = %v, want untouched delivery", acks, nacks)
	}
}

func TestConsumerDeliveryTolerance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(f *consumerFixture)
	}{
		{"ledger lookup failure", func(f *consumerFixture) { f.ledger.seenErr = fmt.Errorf("bolt closed") }},
		{"ledger mark failure", func(f *consumerFixture) { f.ledger.markErr = fmt.Errorf("bolt full") }},
		{"mark sent failure", func(f *consumerFixture) { f.plans.markSentErr = fmt.Errorf("mongo flaky") }},
		{"last message update failure", func(f *consumerFixture) { f.convs.updateErr = fmt.Errorf("mongo flaky") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newConsumerFixture(t, time.Millisecond)
			env, _ := f.seedDelivery(t)
			tc.setup(f)
			d, ack := newQueueDelivery(t, env, nil)

			f.consumer.handleDelivery(context.Background(), d)

			// Вторичные сбои после сохранения не роняют доставку.
			if acks, nacks := ack.snapshot(); acks != 1 || len(nacks) != 0 {
				t.Fatalf("acks = %d, nacks = %v, want single ack", acks, nacks)
			}
			if len(f.msgs.inserted) != 1 {
				t.Errorf("inserted = %d, want 1", len(f.msgs.inserted))
			}
			if stats := f.consumer.Stats(); stats.TotalSuccessful != 1 {
				t.Errorf("TotalSuccessful = %d, want 1", stats.TotalSuccessful)
			}
		})
	}
}

func TestRetryCountFrom(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"no headers", nil, 0},
		{"missing key", amqp.Table{}, 0},
		{"int32", amqp.Table{RetryCountHeader: int32(2)}, 2},
		{"int64", amqp.Table{RetryCountHeader: int64(3)}, 3},
		{"int", amqp.Table{RetryCountHeader: 4}, 4},
		{"unexpected type", amqp.Table{RetryCountHeader: "5"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := retryCountFrom(tc.headers); got != tc.want {
				t.Errorf("retryCountFrom() = %d, want %d", got, tc.want)
			}
		})
	}
}
