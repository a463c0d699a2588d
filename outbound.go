package mastership

import "sync"

// outboundQueue is the single ordered path from a session to its channel.
// Batches are written in the order they were pushed, by one writer. Pushing
// never blocks on the network.
type outboundQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	batches [][]Message
	closed  bool
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *outboundQueue) push(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrDisconnected
	}
	q.batches = append(q.batches, msgs)
	q.cond.Signal()
	return nil
}

// pop blocks until a batch is available. It returns false once the queue is
// closed; batches still queued at that point are dropped.
func (q *outboundQueue) pop() ([]Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.batches) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	batch := q.batches[0]
	q.batches[0] = nil
	q.batches = q.batches[1:]
	return batch, true
}

// close stops the queue and returns how many messages were dropped.
func (q *outboundQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	dropped := 0
	for _, b := range q.batches {
		dropped += len(b)
	}
	q.batches = nil
	q.cond.Broadcast()
	return dropped
}
