package mastership

import (
	"fmt"
	"sync"
)

type mockChannel struct {
	mu       sync.Mutex
	written  []Message
	writeErr error
	closed   bool
}

func (c *mockChannel) Write(msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, msgs...)
	return nil
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockChannel) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.written...)
}

func (c *mockChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mockAgent records every callback as a short event string.
type mockAgent struct {
	mu        sync.Mutex
	events    []string
	delivered []Message
	audited   []Message

	rejectConnect bool
	rejectMaster  bool
	rejectEqual   bool
}

func (a *mockAgent) record(format string, args ...interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, fmt.Sprintf(format, args...))
}

func (a *mockAgent) NotifyConnected(dpid Dpid) bool {
	a.record("connected")
	return !a.rejectConnect
}

func (a *mockAgent) NotifyMasterActivated(dpid Dpid) bool {
	a.record("master")
	return !a.rejectMaster
}

func (a *mockAgent) NotifyEqualActivated(dpid Dpid) bool {
	a.record("equal")
	return !a.rejectEqual
}

func (a *mockAgent) NotifyRoleTransitionFailed(dpid Dpid, requested, observed Role) {
	a.record("failed %v/%v", requested, observed)
}

func (a *mockAgent) NotifyDisconnected(dpid Dpid) {
	a.record("disconnected")
}

func (a *mockAgent) DeliverMessage(dpid Dpid, msg Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delivered = append(a.delivered, msg)
}

func (a *mockAgent) DeliverOutboundAudit(dpid Dpid, msgs []Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audited = append(a.audited, msgs...)
}

func (a *mockAgent) getEvents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func (a *mockAgent) getDelivered() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.delivered...)
}

func (a *mockAgent) getAudited() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.audited...)
}

type mockGenStore struct {
	gens map[uint64]uint64
}

func (m *mockGenStore) LoadGeneration(dpid uint64) (uint64, bool, error) {
	gen, ok := m.gens[dpid]
	return gen, ok, nil
}

func (m *mockGenStore) SaveGeneration(dpid uint64, gen uint64) error {
	m.gens[dpid] = gen
	return nil
}
