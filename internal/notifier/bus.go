// Package notifier fans out structured lifecycle/observability events
// (on_enter, on_exit, on_exception, code execution, inference deltas) to
// subscribers, and keeps a bounded Prometheus-backed metrics surface.
// Adapted almost line-for-line from internal/events/bus.go (Bus,
// RingBuffer, Subscribe/Publish/SubscribeChan/History), renaming the event
// taxonomy to the on_enter/on_exit/on_exception vocabulary of spec.md §4.3
// and §9 ("Notifier: logging/metrics fan-out, structured event taxonomy").
package notifier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/agentica-server/internal/ids"
)

// EventType identifies the kind of lifecycle or observability event.
type EventType string

const (
	EventOnEnter       EventType = "on_enter"
	EventOnExit        EventType = "on_exit"
	EventOnException   EventType = "on_exception"
	EventCodeBlock     EventType = "code.block"
	EventCodeResult    EventType = "code.result"
	EventInferenceCall EventType = "inference.call"
	EventInferenceDelta EventType = "inference.delta"
	EventSessionCreated EventType = "session.created"
	EventSessionClosed  EventType = "session.closed"
	EventAgentCreated   EventType = "agent.created"
	EventAgentDestroyed EventType = "agent.destroyed"
)

// Event is one fan-out record.
type Event struct {
	ID        string         `json:"id"`
	UID       ids.UID        `json:"uid,omitempty"`
	IID       ids.IID        `json:"iid,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

var eventIDCounter uint64

func newEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscriber receives events published to the bus.
type Subscriber func(Event)

type subscription struct {
	id         int
	eventTypes []EventType
	handler    Subscriber
}

// Bus is an in-memory, best-effort event bus: a bounded channel drained by
// one dispatch goroutine, fanning out to subscribers and a ring buffer, and
// recording Prometheus counters per event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	ringBuffer  *RingBuffer
	metrics     *Metrics
	closed      bool
	done        chan struct{}
}

// NewBus constructs a Bus with the given channel/ring-buffer capacity and
// an optional metrics sink (nil disables metrics recording).
func NewBus(bufferSize int, metrics *Metrics) *Bus {
	b := &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		ringBuffer:  NewRingBuffer(bufferSize),
		metrics:     metrics,
		done:        make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case event, ok := <-b.eventChan:
			if !ok {
				return
			}
			b.ringBuffer.Add(event)
			b.notifySubscribers(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) notifySubscribers(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if matches(sub, event) {
			go sub.handler(event)
		}
	}
}

func matches(sub *subscription, event Event) bool {
	if len(sub.eventTypes) == 0 {
		return true
	}
	for _, t := range sub.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// PublishEvent sends a fully-typed Event to the bus, recording metrics
// synchronously before handing off to subscribers.
func (b *Bus) PublishEvent(e Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	if e.ID == "" {
		e.ID = newEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if b.metrics != nil {
		b.metrics.observe(e)
	}
	select {
	case b.eventChan <- e:
	default:
	}
}

// Publish implements sequencer.Notifier: a bare event name and attribute
// bag, wrapped into an Event with no uid/iid association. The sequencer
// context's perform() calls this for SendLog/LogCodeBlock/LogExecuteResult
// and streaming partials; richer on_enter/on_exit/on_exception events carry
// uid/iid and go through PublishEvent directly.
func (b *Bus) Publish(event string, attrs map[string]any) {
	b.PublishEvent(Event{Type: EventType(event), Attrs: attrs})
}

// Subscribe registers handler for the given event types (all types if
// none given) and returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscription{id: id, eventTypes: eventTypes, handler: handler}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// SubscribeChan returns a channel fed by matching events, and a function
// that unsubscribes and closes the channel.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	unsubscribe := b.Subscribe(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)
	return ch, func() {
		unsubscribe()
		close(ch)
	}
}

// History returns up to limit of the most recently published events.
func (b *Bus) History(limit int) []Event {
	return b.ringBuffer.Get(limit)
}

// Close shuts the bus down. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	close(b.eventChan)
}

// RingBuffer is a fixed-size circular buffer of the most recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{events: make([]Event, size), size: size}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}
