// Package bus implements the broadcast fan-out between the device
// sessions, the sequence and trigger engines, and their subscribers: a
// small typed pub/sub keyed by opaque subscriber ids.
//
// Delivery is best-effort and fire-and-forget per subscriber: each
// subscriber has a small bounded queue and a dedicated drain goroutine, so
// a slow subscriber drops its oldest queued messages instead of stalling
// the publisher (a stalled publisher would stall high-rate polling). A
// panicking subscriber callback is caught and logged, never propagated.
package bus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Message is the envelope for every broadcast event. DeviceID or ScriptID
// identifies the originator, depending on the message kind.
type Message struct {
	Type     string      `json:"type"`
	DeviceID string      `json:"deviceId,omitempty"`
	ScriptID string      `json:"scriptId,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// Callback is invoked with each Message delivered to a subscriber.
type Callback func(Message)

const defaultQueueSize = 64

// Bus is a single topic's worth of fan-out (one per DeviceSession, one
// shared instance for sequence/trigger progress, etc.; callers choose
// the granularity; the type itself has no notion of topic).
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
	log  *logrus.Entry
}

type subscriber struct {
	queue  chan Message
	done   chan struct{}
	closed sync.Once
}

// New constructs an empty Bus. log may be nil, in which case the standard
// logger is used.
func New(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{subs: make(map[string]*subscriber), log: log}
}

// Subscribe registers cb under clientID. A re-subscribe with the same
// clientID replaces the previous callback.
func (b *Bus) Subscribe(clientID string, cb Callback) {
	b.mu.Lock()
	if old, ok := b.subs[clientID]; ok {
		old.close()
	}
	s := &subscriber{
		queue: make(chan Message, defaultQueueSize),
		done:  make(chan struct{}),
	}
	b.subs[clientID] = s
	b.mu.Unlock()

	go s.drain(cb, b.log, clientID)
}

// Unsubscribe removes clientId's callback, if registered.
func (b *Bus) Unsubscribe(clientID string) {
	b.mu.Lock()
	s, ok := b.subs[clientID]
	delete(b.subs, clientID)
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers msg to every subscriber. Per-subscriber delivery is
// non-blocking: if a subscriber's queue is full, the oldest queued message
// is dropped to make room for the newest.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, s := range b.subs {
		s.enqueue(msg, b.log, id)
	}
}

func (s *subscriber) enqueue(msg Message, log *logrus.Entry, clientID string) {
	select {
	case s.queue <- msg:
		return
	default:
	}
	// Queue full: drop the oldest to make room for the newest.
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- msg:
	default:
		log.WithField("client", clientID).Warn("bus: dropped message, subscriber queue saturated")
	}
}

func (s *subscriber) close() {
	s.closed.Do(func() { close(s.done) })
}

func (s *subscriber) drain(cb Callback, log *logrus.Entry, clientID string) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			invoke(cb, msg, log, clientID)
		}
	}
}

func invoke(cb Callback, msg Message, log *logrus.Entry, clientID string) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"client": clientID, "panic": r}).
				Error("bus: subscriber callback panicked")
		}
	}()
	cb(msg)
}
