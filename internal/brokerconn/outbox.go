package brokerconn

import (
	"sync"

	"github.com/meticulous-software/meticulous/internal/protocol"
)

// Outbox is the unbounded FIFO between the dispatcher and the write loop.
// Send never blocks, so the dispatcher can always make progress; ordering of
// Send calls is preserved.
type Outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []protocol.Message
	closed bool
}

func NewOutbox() *Outbox {
	o := &Outbox{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Send enqueues msg. Messages sent after Close are dropped.
func (o *Outbox) Send(msg protocol.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.queue = append(o.queue, msg)
	o.cond.Signal()
}

// Next blocks for the next message. It keeps delivering queued messages
// after Close and returns false only once the queue is drained.
func (o *Outbox) Next() (protocol.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && !o.closed {
		o.cond.Wait()
	}
	if len(o.queue) == 0 {
		return nil, false
	}
	msg := o.queue[0]
	o.queue = o.queue[1:]
	return msg, true
}

// Close stops accepting new messages; queued ones still drain.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.cond.Broadcast()
}
