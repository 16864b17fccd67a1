package bus

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

type redisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) Bus {
	return &redisBus{rdb: rdb}
}

func (b *redisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channels...)
	// Force the subscription onto the wire before returning so no published
	// message races the subscribe.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSub{ps: ps, out: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

type redisSub struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSub) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSub) Messages() <-chan Message { return s.out }

func (s *redisSub) Close() error { return s.ps.Close() }
