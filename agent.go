package mastership

// Agent is the controller-side consumer of a session. It is told about
// connection and role changes, and receives the switch's messages.
//
// Agent methods are called from the session's own goroutines and must not
// call back into the same session synchronously.
type Agent interface {
	// NotifyConnected is called once, when the session starts. Returning
	// false rejects the switch and disconnects it.
	NotifyConnected(dpid Dpid) bool
	// NotifyMasterActivated is called when the switch has confirmed this
	// connection as MASTER. Returning false disconnects the switch.
	NotifyMasterActivated(dpid Dpid) bool
	// NotifyEqualActivated is called when the connection has become EQUAL or
	// SLAVE. Returning false disconnects the switch.
	NotifyEqualActivated(dpid Dpid) bool
	// NotifyRoleTransitionFailed is called when a requested role was not
	// obtained. observed is the role the connection holds afterwards.
	NotifyRoleTransitionFailed(dpid Dpid, requested, observed Role)
	NotifyDisconnected(dpid Dpid)
	// DeliverMessage hands over an inbound message.
	DeliverMessage(dpid Dpid, msg Message)
	// DeliverOutboundAudit is told about every batch actually handed to the
	// channel, in write order.
	DeliverOutboundAudit(dpid Dpid, msgs []Message)
}

// Channel is the write side of a switch connection.
type Channel interface {
	// Write sends msgs in order. Write is only ever called from one
	// goroutine at a time.
	Write(msgs []Message) error
	Close() error
}
