// Package pubsub is the in-process change bus. Workflow operations publish
// to a per-event topic after their transaction commits; transports expose
// the resulting stream to administrators. The bus is constructed once at
// the service root and injected where needed.
package pubsub

import (
	"log"
	"sync"
)

const (
	// DefaultMaxListeners is the per-topic subscriber ceiling before the
	// bus starts warning about a probable subscription leak upstream.
	DefaultMaxListeners = 50
	// DefaultBufferSize bounds each subscriber's delivery buffer.
	DefaultBufferSize = 16
)

// Message is one change notification.
type Message struct {
	Topic   string         `json:"topic"`
	Type    string         `json:"type"`
	EventID string         `json:"event_id"`
	TeamID  string         `json:"team_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Filter decides, per delivery, whether a subscriber receives a message.
// Authorization changes take effect on the next publish without
// re-subscribing.
type Filter func(Message) bool

type Options struct {
	MaxListenersPerTopic int
	BufferSize           int
	Logger               *log.Logger
}

type Bus struct {
	maxListeners int
	bufferSize   int
	logger       *log.Logger

	mu     sync.Mutex
	topics map[string][]*Subscription
	nextID int64
}

func New(opts Options) *Bus {
	if opts.MaxListenersPerTopic <= 0 {
		opts.MaxListenersPerTopic = DefaultMaxListeners
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Bus{
		maxListeners: opts.MaxListenersPerTopic,
		bufferSize:   opts.BufferSize,
		logger:       opts.Logger,
		topics:       make(map[string][]*Subscription),
	}
}

// Subscription is one listener's stream. Receive from C until it is
// closed; call Cancel when done. A subscriber that falls more than the
// buffer size behind is cancelled by the bus.
type Subscription struct {
	bus    *Bus
	topic  string
	id     int64
	filter Filter
	ch     chan Message
	closed bool
}

func (s *Subscription) C() <-chan Message { return s.ch }

func (s *Subscription) Topic() string { return s.topic }

// Cancel removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeLocked(s)
}

// Subscribe registers a listener on a topic. A nil filter receives
// everything published to the topic.
func (b *Bus) Subscribe(topic string, filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		bus:    b,
		topic:  topic,
		id:     b.nextID,
		filter: filter,
		ch:     make(chan Message, b.bufferSize),
	}
	b.topics[topic] = append(b.topics[topic], sub)
	if n := len(b.topics[topic]); n > b.maxListeners {
		b.logger.Printf("pubsub: topic %s has %d subscribers (limit %d); possible subscription leak", topic, n, b.maxListeners)
	}
	return sub
}

// SubscriberCount reports the current listener count for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Publish delivers to every current subscriber of the topic whose filter
// accepts the message. Delivery never blocks: a subscriber whose buffer is
// full is dropped rather than allowed to backpressure the bus, and a
// failure to deliver to one subscriber is invisible to the others.
func (b *Bus) Publish(topic string, msg Message) {
	msg.Topic = topic
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for _, sub := range subs {
		if sub.closed {
			continue
		}
		if sub.filter != nil && !sub.filter(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.logger.Printf("pubsub: dropping slow subscriber on topic %s", topic)
			b.removeLocked(sub)
		}
	}
}

// Close cancels every subscription on every topic.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.topics {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	b.topics = make(map[string][]*Subscription)
}

// removeLocked unregisters a subscription and closes its channel. Caller
// holds b.mu.
func (b *Bus) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}
