// Package streams implements the in-memory stream pub/sub provider (C6):
// named streams keyed by (namespace, stream-id), in publisher order, with
// no durability across silo restarts (spec.md §4.6). Delivery is an
// in-process fan-out: Publish calls each subscriber's handler once; a
// handler error is logged and the event is not redelivered.
package streams

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/titan-game/titan/infrastructure/logging"
)

// Event is one published message, stamped with its stream and arrival order.
type Event struct {
	Namespace string
	StreamID  string
	Payload   interface{}
	Timestamp time.Time
}

// Handler consumes one event. Handlers must be idempotent. An error it
// returns is logged by the Bus; the event is not delivered to it again.
type Handler func(ctx context.Context, event Event) error

// streamKey canonicalizes a stream's address.
func streamKey(namespace, streamID string) string {
	return namespace + "/" + streamID
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the in-memory pub/sub provider. It starts no goroutines: Publish
// runs every subscriber's handler in turn on the caller's goroutine, so a
// slow subscriber delays that Publish call and the subscribers after it.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]subscription
	nextSubID uint64
	logger    *logging.Logger

	handlerTimeout time.Duration
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subs:           make(map[string][]subscription),
		logger:         logging.NewFromEnv("streams"),
		handlerTimeout: 30 * time.Second,
	}
}

// Publish delivers payload to every current subscriber of (namespace,
// streamID), synchronously and in call order, so two Publish calls from
// the same goroutine are observed by subscribers in that order.
func (b *Bus) Publish(ctx context.Context, namespace, streamID string, payload interface{}) error {
	event := Event{Namespace: namespace, StreamID: streamID, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[streamKey(namespace, streamID)]))
	copy(subs, b.subs[streamKey(namespace, streamID)])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub.handler, event)
	}
	return nil
}

func (b *Bus) invoke(handler Handler, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
	defer cancel()
	if err := handler(ctx, event); err != nil {
		b.logger.Error(ctx, fmt.Sprintf("stream handler failed for %s/%s", event.Namespace, event.StreamID), err, nil)
	}
}

// subscriptionHandle lets a caller Unsubscribe a specific registration
// without disturbing other subscribers of the same stream.
type subscriptionHandle struct {
	namespace string
	streamID  string
	id        uint64
}

// Subscribe registers handler against (namespace, streamID) and returns a
// handle for Unsubscribe.
func (b *Bus) Subscribe(namespace, streamID string, handler Handler) *subscriptionHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	key := streamKey(namespace, streamID)
	b.subs[key] = append(b.subs[key], subscription{id: id, handler: handler})

	return &subscriptionHandle{namespace: namespace, streamID: streamID, id: id}
}

// Unsubscribe removes one subscriber registration.
func (b *Bus) Unsubscribe(handle *subscriptionHandle) {
	if handle == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := streamKey(handle.namespace, handle.streamID)
	subs := b.subs[key]
	for i, sub := range subs {
		if sub.id == handle.id {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[key]) == 0 {
		delete(b.subs, key)
	}
}

// Streams returns the "namespace/streamID" key of every stream with at
// least one live subscriber.
func (b *Bus) Streams() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.subs))
	for key := range b.subs {
		keys = append(keys, key)
	}
	return keys
}

// Close removes every subscription. The Bus remains usable afterward.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
}
