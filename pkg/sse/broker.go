package sse

import (
	"sync"

	"github.com/google/uuid"
)

// mailboxCap bounds the per-subscriber queue. A stream that falls this far
// behind starts losing messages rather than blocking publishers.
const mailboxCap = 100

// Message is a single event queued for delivery on an SSE stream.
type Message struct {
	Event string
	Data  any
}

// Subscription is one live SSE stream's mailbox. Receive from C until the
// subscription is cancelled.
type Subscription struct {
	ID        string
	Namespace string
	C         chan Message

	cancel func()
	once   sync.Once
}

// Cancel removes the subscription from its broker. Safe to call more than
// once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Broker fans messages out to subscribed SSE streams. Global subscribers
// receive everything; namespace subscribers only receive messages published
// to their namespace.
type Broker struct {
	mu        sync.RWMutex
	global    map[string]*Subscription
	namespace map[string]map[string]*Subscription
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		global:    make(map[string]*Subscription),
		namespace: make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a global stream.
func (b *Broker) Subscribe() *Subscription {
	sub := b.newSubscription("")

	b.mu.Lock()
	b.global[sub.ID] = sub
	b.mu.Unlock()

	return sub
}

// SubscribeNamespace registers a stream scoped to one namespace.
func (b *Broker) SubscribeNamespace(namespace string) *Subscription {
	sub := b.newSubscription(namespace)

	b.mu.Lock()
	subs, ok := b.namespace[namespace]
	if !ok {
		subs = make(map[string]*Subscription)
		b.namespace[namespace] = subs
	}
	subs[sub.ID] = sub
	b.mu.Unlock()

	return sub
}

func (b *Broker) newSubscription(namespace string) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		Namespace: namespace,
		C:         make(chan Message, mailboxCap),
	}
	sub.cancel = func() { b.remove(sub) }
	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.Namespace == "" {
		delete(b.global, sub.ID)
		return
	}
	if subs, ok := b.namespace[sub.Namespace]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(b.namespace, sub.Namespace)
		}
	}
}

// Publish delivers a message to all global subscribers.
func (b *Broker) Publish(event string, data any) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.global))
	for _, sub := range b.global {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	deliver(targets, Message{Event: event, Data: data})
}

// PublishNamespace delivers a message to the namespace's subscribers and to
// all global subscribers.
func (b *Broker) PublishNamespace(namespace, event string, data any) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.global)+len(b.namespace[namespace]))
	for _, sub := range b.global {
		targets = append(targets, sub)
	}
	for _, sub := range b.namespace[namespace] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	deliver(targets, Message{Event: event, Data: data})
}

// SubscriberCount returns the number of live global subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.global)
	for _, subs := range b.namespace {
		n += len(subs)
	}
	return n
}

func deliver(targets []*Subscription, msg Message) {
	for _, sub := range targets {
		select {
		case sub.C <- msg:
		default:
			// mailbox full, drop for this slow consumer
		}
	}
}
