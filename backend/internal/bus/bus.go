// Package bus is the replica fan-out channel: pub/sub keyed by document id,
// one channel for content updates and one for presence. Replicas share no
// memory; this is the only path (besides the durable log) by which they
// reconcile. Delivery back to the publisher is possible and must be safe:
// applying one's own update again is a no-op under the merge contract.
package bus

import "context"

type Message struct {
	Channel string
	Payload []byte
}

type Subscription interface {
	// Messages yields deliveries until the subscription is closed.
	Messages() <-chan Message
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}
