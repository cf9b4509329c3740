// Package events is the in-process pub/sub bus carrying operational
// events: rate limit decisions, alert triggers, breaker transitions and
// config changes. Delivery is best-effort; a slow subscriber drops events
// instead of blocking the publisher.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types published on the bus.
const (
	TypeDecision      = "limitgate.decision"
	TypeAlert         = "limitgate.alert.triggered"
	TypeBreakerChange = "limitgate.breaker.state"
	TypeConfigChange  = "limitgate.config.changed"
)

// Emitter publishes events. The hot path depends on this interface so
// tests can capture emissions.
type Emitter interface {
	Emit(eventType, subject string, data map[string]interface{})
}

// Event is the CloudEvents 1.0 envelope used on the bus and on the
// websocket stream.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewEvent builds an envelope with a fresh id and timestamp.
func NewEvent(eventType, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      "limitgate",
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the envelope.
func (e *Event) JSON() ([]byte, error) { return json.Marshal(e) }

// Bus fans events out to subscriber channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // type -> channels
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
	dropped     atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[events] ", log.LstdFlags),
		bufferSize:  256,
	}
}

// Subscribe returns a channel receiving the named event types, or every
// event when no types are given.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range eventTypes {
			b.subscribers[t] = append(b.subscribers[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		b.subscribers[t] = without(subs, ch)
	}
	b.allSubs = without(b.allSubs, ch)
	close(ch)
}

func without(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers an event to every matching subscriber, dropping on
// full buffers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
}

func (b *Bus) send(ch chan *Event, event *Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, subject, data))
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.allSubs)
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}
