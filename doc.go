// Package mastership implements controller-side role negotiation for
// switches managed by a cluster of controller nodes.
//
// Some external service decides which controller node should be MASTER for a
// given switch. This package enacts that decision on the switch connection:
// it sends role requests, matches the switch's replies and errors against the
// single outstanding request, and moves the connection between the
// not-master, transitioning and master states.
//
// Messages that the application sends while a connection is becoming master
// are buffered and written, in order, once the switch confirms the MASTER
// role. A node that is not master never writes such messages at all.
//
// Switches differ in what they understand. Modern switches speak role
// request/reply messages with a generation id, older switches may only know
// the Nicira vendor extension, and some know nothing about roles at all, in
// which case a connection is implicitly master. These differences are
// captured by a Dialect chosen per connection.
//
// Which node should be master, the connection handshake, and everything that
// happens with messages once delivered are outside the scope of this
// package; they are reached through the Agent and Channel interfaces.
package mastership
