// Package bus provides the in-memory topic bus for petalrun. Each topic owns
// its own sequence counter, a bounded history ring used for replay, and the
// registry of live subscriber mailboxes. Delivery is order-preserving and
// possibly lossy: a full mailbox drops its oldest envelope.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/petalrun/runtime"
)

var (
	// ErrBusClosed is returned by publish and subscribe after Close.
	ErrBusClosed = errors.New("bus: closed")

	// ErrClosed is returned by Subscription.Next once the subscription is closed.
	ErrClosed = errors.New("bus: subscription closed")

	// ErrTimeout is returned by Subscription.Next when no envelope arrived in time.
	ErrTimeout = errors.New("bus: timeout")
)

// EventBus distributes envelopes to per-topic subscribers.
type EventBus interface {
	// Publish assigns the next id for topic and fans the envelope out.
	Publish(topic string, in runtime.PublishInput) (runtime.Envelope, error)

	// PublishFunc is Publish with a commit hook run before the envelope
	// becomes visible. See MemBus.PublishFunc.
	PublishFunc(topic string, in runtime.PublishInput, commit runtime.CommitFunc) (runtime.Envelope, error)

	// Subscribe registers a live-only subscriber for topic.
	Subscribe(topic string) (Subscription, error)

	// SubscribeSince registers a subscriber and replays retained history
	// with id > since before any live envelope.
	SubscribeSince(topic string, since uint64) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription is a single-consumer pull interface over a mailbox.
// It must be closed on every exit path.
type Subscription interface {
	// Topic returns the subscribed topic.
	Topic() string

	// Next blocks until an envelope is available, the timeout elapses
	// (ErrTimeout), the subscription is closed (ErrClosed), or ctx is done.
	// A timeout <= 0 waits without limit.
	Next(ctx context.Context, timeout time.Duration) (runtime.Envelope, error)

	// Dropped returns how many envelopes were evicted by backpressure.
	Dropped() uint64

	// Close unsubscribes and unblocks any pending Next. It is idempotent.
	Close() error
}
