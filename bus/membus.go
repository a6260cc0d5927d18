package bus

import (
	"context"
	"sync"
	"time"

	"github.com/petal-labs/petalrun/runtime"
)

// MemBusConfig configures an in-memory topic bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the mailbox capacity per subscriber (default: 256).
	SubscriberBufferSize int

	// HistorySize is the number of envelopes retained per topic for replay (default: 1024).
	HistorySize int

	// SeedSeq, when set, returns the last id already used for a topic. It is
	// called once, when the topic is first touched, so ids stay monotonic
	// across restarts. It runs under that topic's lock only; other topics
	// are not blocked while it runs.
	SeedSeq func(topic string) uint64
}

// MemBus is an in-memory topic bus implementation.
type MemBus struct {
	mu      sync.Mutex
	topics  map[string]*topicState
	bufSize int
	histCap int
	seedSeq func(string) uint64
	closed  bool
}

// topicState holds everything partitioned by one topic. mu guards seq,
// history, and subs; deliver serializes fan-out so subscribers observe
// assignment order.
type topicState struct {
	name    string
	mu      sync.Mutex
	deliver sync.Mutex
	seq     uint64
	seed    sync.Once
	history *ring
	subs    map[*memSub]struct{}
}

// NewMemBus creates a new in-memory topic bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	histCap := config.HistorySize
	if histCap <= 0 {
		histCap = 1024
	}
	return &MemBus{
		topics:  make(map[string]*topicState),
		bufSize: bufSize,
		histCap: histCap,
		seedSeq: config.SeedSeq,
	}
}

// topic returns the state for name, creating and seeding it on first use.
func (b *MemBus) topic(name string) (*topicState, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{
			name:    name,
			history: newRing(b.histCap),
			subs:    make(map[*memSub]struct{}),
		}
		b.topics[name] = t
	}
	b.mu.Unlock()

	b.seedTopic(t)
	return t, nil
}

// seedTopic sets the topic's starting id once. Concurrent callers for the
// same topic wait for the first to finish.
func (b *MemBus) seedTopic(t *topicState) {
	t.seed.Do(func() {
		if b.seedSeq == nil {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.seq = b.seedSeq(t.name)
	})
}

// Publish assigns the next id for topic, appends the envelope to history,
// and hands it to every registered subscriber.
func (b *MemBus) Publish(topic string, in runtime.PublishInput) (runtime.Envelope, error) {
	return b.PublishFunc(topic, in, nil)
}

// PublishFunc is Publish with a commit hook. The envelope is built under the
// topic lock and passed to commit before it is appended to history or seen
// by any subscriber. If commit fails the id is released and nothing is
// published, so ids stay gapless.
func (b *MemBus) PublishFunc(topic string, in runtime.PublishInput, commit runtime.CommitFunc) (runtime.Envelope, error) {
	t, err := b.topic(topic)
	if err != nil {
		return runtime.Envelope{}, err
	}

	data := in.Data
	if data == nil {
		data = map[string]any{}
	}

	t.mu.Lock()
	env := runtime.Envelope{
		Meta: runtime.NewMeta(t.seq+1, in.Source, in.CorrelationID, in.Timestamp),
		Type: in.Type,
		Data: data,
	}
	if commit != nil {
		if err := commit(env); err != nil {
			t.mu.Unlock()
			return runtime.Envelope{}, err
		}
	}
	t.seq++
	t.history.push(env)
	subs := make([]*memSub, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	// Take the delivery lock before releasing the state lock so that the
	// next publisher cannot overtake this fan-out.
	t.deliver.Lock()
	t.mu.Unlock()

	for _, sub := range subs {
		sub.box.push(env)
	}
	t.deliver.Unlock()

	return env, nil
}

// Subscribe registers a live-only subscriber for topic.
func (b *MemBus) Subscribe(topic string) (Subscription, error) {
	return b.subscribe(topic, 0, false)
}

// SubscribeSince registers a subscriber and enqueues every retained envelope
// with id > since. Registration and the history snapshot happen in one
// critical section, so no envelope is missed or duplicated at the seam.
// History older than the retention window is silently unavailable.
func (b *MemBus) SubscribeSince(topic string, since uint64) (Subscription, error) {
	return b.subscribe(topic, since, true)
}

func (b *MemBus) subscribe(topic string, since uint64, replay bool) (Subscription, error) {
	t, err := b.topic(topic)
	if err != nil {
		return nil, err
	}

	sub := &memSub{bus: b, topic: t, box: newMailbox(b.bufSize)}

	t.mu.Lock()
	defer t.mu.Unlock()

	if replay {
		t.history.each(func(env runtime.Envelope) {
			if env.Seq() > since {
				sub.box.push(env)
			}
		})
	}
	t.subs[sub] = struct{}{}
	return sub, nil
}

// unsubscribe removes sub from its topic. It is idempotent.
func (b *MemBus) unsubscribe(sub *memSub) {
	t := sub.topic
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
}

// LastSeq returns the last id assigned on topic (0 if the topic is unknown).
func (b *MemBus) LastSeq(topic string) uint64 {
	b.mu.Lock()
	t, ok := b.topics[topic]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	b.seedTopic(t)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Close shuts down the bus and closes every active subscription.
func (b *MemBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*topicState, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for sub := range t.subs {
			sub.box.close()
			delete(t.subs, sub)
		}
		t.mu.Unlock()
	}
	return nil
}

// memSub is an in-memory subscription.
type memSub struct {
	bus   *MemBus
	topic *topicState
	box   *mailbox
}

// Topic returns the subscribed topic.
func (s *memSub) Topic() string {
	return s.topic.name
}

// Next returns the next envelope in the mailbox.
func (s *memSub) Next(ctx context.Context, timeout time.Duration) (runtime.Envelope, error) {
	return s.box.wait(ctx, timeout)
}

// Dropped returns how many envelopes were evicted by backpressure.
func (s *memSub) Dropped() uint64 {
	return s.box.droppedCount()
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	if s.box.close() {
		s.bus.unsubscribe(s)
	}
	return nil
}

// ring is a fixed-capacity history buffer that evicts its oldest entry.
type ring struct {
	buf  []runtime.Envelope
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]runtime.Envelope, capacity)}
}

func (r *ring) push(env runtime.Envelope) {
	if r.size == len(r.buf) {
		r.buf[r.head] = env
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.size)%len(r.buf)] = env
	r.size++
}

// each visits entries oldest first.
func (r *ring) each(fn func(runtime.Envelope)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

func (r *ring) len() int {
	return r.size
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
var _ runtime.EventPublisher = (*MemBus)(nil)
