package bus

import (
	"context"
	"sync"
	"time"

	"github.com/petal-labs/petalrun/runtime"
)

// mailbox is a bounded FIFO with drop-oldest overflow. It has exactly one
// consumer; any number of goroutines may push.
type mailbox struct {
	mu      sync.Mutex
	buf     []runtime.Envelope
	head    int
	size    int
	dropped uint64
	closed  bool

	notify chan struct{} // capacity 1, signalled on push
	done   chan struct{} // closed on close
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{
		buf:    make([]runtime.Envelope, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push enqueues env, evicting the oldest entry when full. It never blocks.
func (m *mailbox) push(env runtime.Envelope) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.size == len(m.buf) {
		m.buf[m.head] = runtime.Envelope{}
		m.head = (m.head + 1) % len(m.buf)
		m.size--
		m.dropped++
	}
	m.buf[(m.head+m.size)%len(m.buf)] = env
	m.size++
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// pop removes the oldest entry.
func (m *mailbox) pop() (runtime.Envelope, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return runtime.Envelope{}, false, true
	}
	if m.size == 0 {
		return runtime.Envelope{}, false, false
	}
	env := m.buf[m.head]
	m.buf[m.head] = runtime.Envelope{}
	m.head = (m.head + 1) % len(m.buf)
	m.size--
	return env, true, false
}

func (m *mailbox) wait(ctx context.Context, timeout time.Duration) (runtime.Envelope, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		env, ok, closed := m.pop()
		if closed {
			return runtime.Envelope{}, ErrClosed
		}
		if ok {
			return env, nil
		}

		select {
		case <-m.notify:
		case <-m.done:
			return runtime.Envelope{}, ErrClosed
		case <-timer:
			return runtime.Envelope{}, ErrTimeout
		case <-ctx.Done():
			return runtime.Envelope{}, ctx.Err()
		}
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

func (m *mailbox) droppedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// close marks the mailbox closed and wakes the consumer. Returns false if it
// was already closed.
func (m *mailbox) close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.closed = true
	m.buf = nil
	m.size = 0
	close(m.done)
	return true
}
