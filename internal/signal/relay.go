package signal

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Relay publishes messages on Redis and forwards those received for
// attached subscriptions into the local Hub.
type Relay[T any] struct {
	redis  redis.UniversalClient
	prefix string
	hub    *Hub[T]
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)
	onDrop func(key string, err error)
}

func NewRelay[T any](
	client redis.UniversalClient,
	prefix string,
	hub *Hub[T],
	encode func(T) ([]byte, error),
	decode func([]byte) (T, error),
) *Relay[T] {
	if prefix == "" {
		prefix = "tds:sig"
	}
	return &Relay[T]{
		redis:  client,
		prefix: prefix,
		hub:    hub,
		encode: encode,
		decode: decode,
		onDrop: func(string, error) {},
	}
}

// OnDrop sets a callback for messages that could not be decoded or
// delivered to the local subscriber.
func (r *Relay[T]) OnDrop(fn func(key string, err error)) {
	if fn != nil {
		r.onDrop = fn
	}
}

func (r *Relay[T]) channel(key string) string {
	return r.prefix + ":" + key
}

// Publish sends msg to whichever process holds the key's subscription and
// returns the number of Redis subscribers that received it.
func (r *Relay[T]) Publish(ctx context.Context, key string, msg T) (int64, error) {
	payload, err := r.encode(msg)
	if err != nil {
		return 0, err
	}
	n, err := r.redis.Publish(ctx, r.channel(key), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("signal: publish: %w", err)
	}
	return n, nil
}

// Attach subscribes to the key's Redis channel until sub is closed. It
// returns once Redis has confirmed the subscription.
func (r *Relay[T]) Attach(ctx context.Context, sub *Subscription[T]) error {
	ps := r.redis.Subscribe(ctx, r.channel(sub.Key()))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("signal: subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range ps.Channel() {
			msg, err := r.decode([]byte(m.Payload))
			if err != nil {
				r.onDrop(sub.Key(), err)
				continue
			}
			if !r.hub.Publish(sub.Key(), msg) {
				r.onDrop(sub.Key(), ErrNotDelivered)
			}
		}
	}()

	sub.addCloseHook(func() {
		_ = ps.Close()
		<-done
	})
	return nil
}
