// Package bus provides an in-process, debounced change-notification
// bus. Publishers mark a topic dirty; subscribers get at most one
// signal per debounce window no matter how many publishes landed in it.
// Signals carry no payload, subscribers re-query the store.
package bus

import (
	"sync"
	"time"
)

// Topics published by the application.
const (
	TopicOrders        = "orders"
	TopicAccounts      = "accounts"
	TopicConversations = "conversations"
)

// DefaultDebounce is the coalescing window for change signals.
const DefaultDebounce = 100 * time.Millisecond

// Bus is a debounced signal fan-out. The zero value is not usable; use
// New.
type Bus struct {
	debounce time.Duration

	mu      sync.Mutex
	nextID  int
	subs    map[string]map[int]chan struct{}
	pending map[string]*time.Timer
	closed  bool
}

// New builds a bus with the given debounce window; zero or negative
// means DefaultDebounce.
func New(debounce time.Duration) *Bus {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Bus{
		debounce: debounce,
		subs:     make(map[string]map[int]chan struct{}),
		pending:  make(map[string]*time.Timer),
	}
}

// Subscribe registers interest in topic. The returned channel has a
// one-slot buffer; a signal arriving while one is already pending is
// dropped, which is fine because signals are only "something changed".
// Release with Unsubscribe.
func (b *Bus) Subscribe(topic string) (int, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{}, 1)
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan struct{})
	}
	b.subs[topic][id] = ch
	return id, ch
}

// Unsubscribe removes a subscription. Safe to call twice.
func (b *Bus) Unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.subs[topic]; subs != nil {
		delete(subs, id)
	}
}

// Publish marks topic dirty. The first publish in a quiet period arms
// the debounce timer; further publishes inside the window coalesce into
// the same signal.
func (b *Bus) Publish(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, armed := b.pending[topic]; armed {
		return
	}
	b.pending[topic] = time.AfterFunc(b.debounce, func() { b.fire(topic) })
}

func (b *Bus) fire(topic string) {
	b.mu.Lock()
	delete(b.pending, topic)
	targets := make([]chan struct{}, 0, len(b.subs[topic]))
	for _, ch := range b.subs[topic] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops pending timers and drops all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for topic, t := range b.pending {
		t.Stop()
		delete(b.pending, topic)
	}
	b.subs = make(map[string]map[int]chan struct{})
}
