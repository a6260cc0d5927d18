package runtime

import (
	"sync"

	"github.com/petal-labs/petalrun/tool"
)

// decisionQueue is an unbounded FIFO of human decisions with a single
// consumer. push never blocks.
type decisionQueue struct {
	mu     sync.Mutex
	items  []tool.Decision
	notify chan struct{} // capacity 1
}

func newDecisionQueue() *decisionQueue {
	return &decisionQueue{notify: make(chan struct{}, 1)}
}

func (q *decisionQueue) push(d tool.Decision) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *decisionQueue) tryPop() (tool.Decision, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return tool.Decision{}, false
	}
	d := q.items[0]
	q.items[0] = tool.Decision{}
	q.items = q.items[1:]
	return d, true
}

// next blocks until a decision is queued or stop is closed.
func (q *decisionQueue) next(stop <-chan struct{}) (tool.Decision, bool) {
	for {
		select {
		case <-stop:
			return tool.Decision{}, false
		default:
		}
		if d, ok := q.tryPop(); ok {
			return d, true
		}
		select {
		case <-q.notify:
		case <-stop:
			return tool.Decision{}, false
		}
	}
}

func (q *decisionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
