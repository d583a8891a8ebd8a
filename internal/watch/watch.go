// Package watch provides latest-value fan-out for live subscriptions.
package watch

import (
	"context"
	"sync"
)

// Value holds the latest value of T and pushes it to subscribers.
// A slow subscriber only ever sees the newest value: older undelivered
// values are replaced, never queued.
type Value[T any] struct {
	mu   sync.Mutex
	cur  T
	set  bool
	subs map[chan T]struct{}
}

// Set stores x and notifies every subscriber.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cur = x
	v.set = true
	for ch := range v.subs {
		offer(ch, x)
	}
}

// Get returns the latest value and whether one was ever set.
func (v *Value[T]) Get() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur, v.set
}

// Subscribe returns a channel that receives the current value (if any) and
// every later one. The channel is closed once ctx is done.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	v.mu.Lock()
	if v.subs == nil {
		v.subs = make(map[chan T]struct{})
	}
	v.subs[ch] = struct{}{}
	if v.set {
		ch <- v.cur
	}
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.subs, ch)
		close(ch)
		v.mu.Unlock()
	}()

	return ch
}

// offer delivers x without blocking, dropping an undelivered older value.
// Callers hold the Value lock, which makes them the only sender.
func offer[T any](ch chan T, x T) {
	select {
	case ch <- x:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- x
}

// Topics is a set of change counters keyed by topic name. Each Bump
// increments the topic's counter and wakes its subscribers.
type Topics struct {
	mu     sync.Mutex
	topics map[string]*Value[uint64]
}

func (t *Topics) topic(name string) *Value[uint64] {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.topics == nil {
		t.topics = make(map[string]*Value[uint64])
	}
	v, ok := t.topics[name]
	if !ok {
		v = &Value[uint64]{}
		t.topics[name] = v
	}
	return v
}

// Bump records a change on topic.
func (t *Topics) Bump(topic string) {
	v := t.topic(topic)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cur++
	v.set = true
	for ch := range v.subs {
		offer(ch, v.cur)
	}
}

// Subscribe returns a channel receiving the change counter of topic.
// A topic that already changed delivers its current counter immediately.
func (t *Topics) Subscribe(ctx context.Context, topic string) <-chan uint64 {
	return t.topic(topic).Subscribe(ctx)
}
