// Package sharedstream implements a hot, ref-counted, latest-value-replay
// broadcaster: the Go substitute for the reactive "shared, replaying the
// latest value, reference-counted" stream the SessionCoordinator needs
// (spec.md §4.4, DESIGN NOTES §9).
//
// Grounded on the teacher's Metadata.OnChanged / OnMetaChangedSubscription
// pattern (meta.go): a registry of callbacks invoked on every change, with
// an explicit Unsubscribe to remove one. Hot generalizes that into a typed
// broadcaster that additionally (a) lazily starts a producer on first
// subscriber and stops it on last unsubscribe, and (b) replays the latest
// value synchronously to a late subscriber, which meta.go's callback list
// does not need since it has no "current value" concept.
package sharedstream

import (
	"context"
	"sync"
)

// Producer is started exactly once, when the first subscriber arrives. It
// must push values via emit and errors via fail, and should stop producing
// once ctx is cancelled (the last subscriber left).
type Producer[T any] func(ctx context.Context, emit func(T), fail func(error))

// Hot is a shared, ref-counted, replay-latest-value broadcaster over T.
type Hot[T any] struct {
	newProducer func() Producer[T]

	mu          sync.Mutex
	subscribers map[int]*subscriber[T]
	nextID      int
	cancel      context.CancelFunc
	hasValue    bool
	latest      T
}

type subscriber[T any] struct {
	onValue func(T)
	onError func(error)
}

// New creates a Hot stream. newProducer is called once per "generation"
// (i.e. once per first-subscriber-after-idle) to obtain a fresh Producer,
// which matters for sources like SessionCoordinator that must rebuild
// their underlying resource from scratch on each restart.
func New[T any](newProducer func() Producer[T]) *Hot[T] {
	return &Hot[T]{
		newProducer: newProducer,
		subscribers: make(map[int]*subscriber[T]),
	}
}

// Subscription is returned by Subscribe; call Unsubscribe exactly once
// when the caller no longer needs values.
type Subscription struct {
	unsubscribe func()
	once        sync.Once
}

// Unsubscribe removes this subscriber. If it was the last one, the
// underlying Producer's context is cancelled and the stream goes idle;
// a future Subscribe starts a fresh generation.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.unsubscribe)
}

// Subscribe registers onValue/onError and, if this is the first
// subscriber, starts a new Producer generation. If a value has already
// been produced this generation, onValue is invoked synchronously before
// Subscribe returns (replay semantics).
func (h *Hot[T]) Subscribe(onValue func(T), onError func(error)) *Subscription {
	h.mu.Lock()

	id := h.nextID
	h.nextID++
	h.subscribers[id] = &subscriber[T]{onValue: onValue, onError: onError}

	firstSubscriber := len(h.subscribers) == 1
	if firstSubscriber {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		h.hasValue = false
		producer := h.newProducer()
		go producer(ctx, h.emit, h.fail)
	}

	replay := h.hasValue
	latest := h.latest
	h.mu.Unlock()

	if replay && onValue != nil {
		onValue(latest)
	}

	return &Subscription{unsubscribe: func() { h.unsubscribe(id) }}
}

func (h *Hot[T]) emit(v T) {
	h.mu.Lock()
	h.hasValue = true
	h.latest = v
	subs := h.snapshotSubscribers()
	h.mu.Unlock()

	for _, s := range subs {
		if s.onValue != nil {
			s.onValue(v)
		}
	}
}

func (h *Hot[T]) fail(err error) {
	h.mu.Lock()
	subs := h.snapshotSubscribers()
	h.mu.Unlock()

	for _, s := range subs {
		if s.onError != nil {
			s.onError(err)
		}
	}
}

func (h *Hot[T]) snapshotSubscribers() []*subscriber[T] {
	out := make([]*subscriber[T], 0, len(h.subscribers))
	for _, s := range h.subscribers {
		out = append(out, s)
	}
	return out
}

func (h *Hot[T]) unsubscribe(id int) {
	h.mu.Lock()
	delete(h.subscribers, id)
	last := len(h.subscribers) == 0
	var cancel context.CancelFunc
	if last {
		cancel = h.cancel
		h.cancel = nil
		h.hasValue = false
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// SubscriberCount reports the current reference count, for diagnostics
// and tests.
func (h *Hot[T]) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
