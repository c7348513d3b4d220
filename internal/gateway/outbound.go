package gateway

import (
	"errors"
	"sync"

	"github.com/haasonsaas/canvasd/internal/canvas"
)

var (
	errQueueFull   = errors.New("send queue full")
	errQueueClosed = errors.New("send queue closed")
)

// outbound is the FIFO between every producer of a connection's messages
// and its single writer goroutine. It is bounded by payload bytes so a full
// replay of a large canvas fits while a stalled client is still detected.
// push never blocks.
type outbound struct {
	mu     sync.Mutex
	queue  []canvas.Message
	bytes  int
	limit  int
	closed bool
	notify chan struct{}
}

func newOutbound(limit int) *outbound {
	return &outbound{limit: limit, notify: make(chan struct{}, 1)}
}

// push enqueues msg. Overflowing the byte limit closes the queue.
func (q *outbound) push(msg canvas.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	if q.bytes+len(msg.Data) > q.limit {
		q.closed = true
		q.queue = nil
		q.bytes = 0
		q.mu.Unlock()
		q.signal()
		return errQueueFull
	}
	q.queue = append(q.queue, msg)
	q.bytes += len(msg.Data)
	q.mu.Unlock()
	q.signal()
	return nil
}

// drain takes everything queued. open is false once the queue is closed;
// messages pushed before close are still returned.
func (q *outbound) drain() (batch []canvas.Message, open bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch = q.queue
	q.queue = nil
	q.bytes = 0
	return batch, !q.closed
}

func (q *outbound) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *outbound) ready() <-chan struct{} {
	return q.notify
}

func (q *outbound) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
