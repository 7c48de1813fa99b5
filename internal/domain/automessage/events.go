package automessage

import (
	"sync/atomic"
	"time"
)

// EventKind классифицирует события консьюмера.
type EventKind string

const (
	EventConsumerStarted  EventKind = "CONSUMER_STARTED"
	EventConsumerStopped  EventKind = "CONSUMER_STOPPED"
	EventMessageProcessed EventKind = "MESSAGE_PROCESSED"
	EventMessageRetried   EventKind = "MESSAGE_RETRIED"
	EventMessageFailed    EventKind = "MESSAGE_FAILED"
)

// Event — уведомление о жизни консьюмера для внешних наблюдателей.
type Event struct {
	Kind          EventKind `json:"kind"`
	AutoMessageID string    `json:"autoMessageId,omitempty"`
	ChatMessageID string    `json:"chatMessageId,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	Err           string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

const eventBufferSize = 64

// eventBus — неблокирующая публикация событий. Медленный читатель теряет
// события, счётчик потерь растёт.
type eventBus struct {
	ch      chan Event
	dropped atomic.Int64
}

func newEventBus() *eventBus {
	return &eventBus{ch: make(chan Event, eventBufferSize)}
}

func (b *eventBus) emit(ev Event) {
	ev.At = time.Now().UTC()
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

func (b *eventBus) events() <-chan Event {
	return b.ch
}

func (b *eventBus) droppedCount() int64 {
	return b.dropped.Load()
}
