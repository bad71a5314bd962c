package store

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is a pubsub payload as delivered to subscribers.
type Message struct {
	Channel string
	Payload string
}

// Subscription is satisfied by both the Redis and in-memory pubsub.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Message
	once sync.Once
	done chan struct{}
}

func newRedisSubscription(ctx context.Context, ps *redis.PubSub) *redisSubscription {
	s := &redisSubscription{
		ps:   ps,
		out:  make(chan Message, 100),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = s.Close()
				return
			case <-s.done:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case s.out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				default:
					// slow consumer, drop
				}
			}
		}
	}()
	return s
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

type localSubscription struct {
	channels map[string]bool
	out      chan Message
	closeCh  chan struct{}
	closed   bool
	mu       sync.RWMutex
}

func newLocalSubscription(channels []string) *localSubscription {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &localSubscription{
		channels: set,
		out:      make(chan Message, 100),
		closeCh:  make(chan struct{}),
	}
}

func (s *localSubscription) Messages() <-chan Message { return s.out }

func (s *localSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
		close(s.out)
	}
	return nil
}

// deliver never blocks; a full buffer drops the message.
func (s *localSubscription) deliver(msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || !s.channels[msg.Channel] {
		return
	}
	select {
	case s.out <- msg:
	default:
	}
}

// PubSubHub fans published messages out to in-memory subscriptions.
type PubSubHub struct {
	subscribers map[string][]*localSubscription
	mu          sync.RWMutex
}

func NewPubSubHub() *PubSubHub {
	return &PubSubHub{subscribers: make(map[string][]*localSubscription)}
}

func (h *PubSubHub) Subscribe(ctx context.Context, channels ...string) Subscription {
	sub := newLocalSubscription(channels)

	h.mu.Lock()
	for _, ch := range channels {
		h.subscribers[ch] = append(h.subscribers[ch], sub)
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.closeCh:
		}
		h.remove(sub, channels)
	}()

	return sub
}

func (h *PubSubHub) remove(sub *localSubscription, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		subs := h.subscribers[ch]
		for i, s := range subs {
			if s == sub {
				h.subscribers[ch] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(h.subscribers[ch]) == 0 {
			delete(h.subscribers, ch)
		}
	}
}

func (h *PubSubHub) Publish(channel, payload string) {
	h.mu.RLock()
	subs := make([]*localSubscription, len(h.subscribers[channel]))
	copy(subs, h.subscribers[channel])
	h.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, s := range subs {
		s.deliver(msg)
	}
}
