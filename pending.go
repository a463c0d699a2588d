package mastership

import "github.com/inconshreveable/log15"

// pendingBuffer holds messages sent while a connection is becoming master.
// It only ever lives inside the transitioning session state, so its existence
// is what "transitioning" means. Once drained it refuses further messages; a
// new transition must create a new buffer.
//
// pendingBuffer is not safe for concurrent use. The session's run loop is its
// only user, which makes append and drain atomic with respect to each other.
type pendingBuffer struct {
	msgs    []Message
	drained bool
	l       log15.Logger
}

func newPendingBuffer(l log15.Logger) *pendingBuffer {
	return &pendingBuffer{l: l}
}

func (b *pendingBuffer) isActive() bool {
	return b != nil && !b.drained
}

func (b *pendingBuffer) append(msgs ...Message) {
	if !b.isActive() {
		b.l.Warn("dropping messages appended to an inactive mastership buffer", "count", len(msgs))
		return
	}
	b.msgs = append(b.msgs, msgs...)
}

// drainAndFlush returns everything buffered, in append order, and
// deactivates the buffer.
func (b *pendingBuffer) drainAndFlush() []Message {
	if !b.isActive() {
		return nil
	}
	msgs := b.msgs
	b.msgs = nil
	b.drained = true
	return msgs
}

// abandon drops the buffered messages; used when the transition to master
// did not happen.
func (b *pendingBuffer) abandon(reason string) {
	if !b.isActive() {
		return
	}
	if len(b.msgs) > 0 {
		b.l.Warn("discarding messages buffered for mastership", "count", len(b.msgs), "reason", reason)
	}
	b.msgs = nil
	b.drained = true
}

func (b *pendingBuffer) len() int {
	if b == nil {
		return 0
	}
	return len(b.msgs)
}
