package mastership

import "fmt"

// stateKind names a session state. The transitions are:
// notMaster     → transitioning
// notMaster     → master (the switch does not support roles)
// transitioning → transitioning (a repeated request for MASTER)
// transitioning → master
// transitioning → notMaster
// master        → notMaster
// any           → disconnected
type stateKind int32

const (
	// stateNotMaster is the initial state. The connection holds EQUAL or
	// SLAVE, or has not negotiated a role yet, and must not write master-only
	// traffic.
	stateNotMaster stateKind = iota
	// stateTransitioning means a MASTER request is outstanding. Outbound
	// messages are held in the state's buffer until the switch confirms.
	stateTransitioning
	// stateMaster means the switch confirmed this connection as MASTER, or
	// cannot express roles at all.
	stateMaster
	// stateDisconnected is terminal.
	stateDisconnected
)

func (k stateKind) String() string {
	switch k {
	case stateNotMaster:
		return "not-master"
	case stateTransitioning:
		return "transitioning"
	case stateMaster:
		return "master"
	case stateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("stateKind(%d)", int32(k))
}

var validTransitions = map[stateKind][]stateKind{
	stateNotMaster: {
		stateNotMaster,
		stateTransitioning,
		stateMaster,
		stateDisconnected,
	},
	stateTransitioning: {
		stateTransitioning,
		stateMaster,
		stateNotMaster,
		stateDisconnected,
	},
	stateMaster: {
		stateNotMaster,
		stateDisconnected,
	},
	stateDisconnected: {},
}

func (k stateKind) canTransitionTo(to stateKind) error {
	for _, target := range validTransitions[k] {
		if target == to {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", k, to)
}

// sessionState is the state of a session together with the data that only
// exists in that state.
type sessionState interface {
	kind() stateKind
}

type notMasterState struct{}

// transitioningState owns the buffer of messages waiting for mastership.
type transitioningState struct {
	buf *pendingBuffer
}

type masterState struct{}

type disconnectedState struct {
	reason error
}

func (notMasterState) kind() stateKind     { return stateNotMaster }
func (transitioningState) kind() stateKind { return stateTransitioning }
func (masterState) kind() stateKind        { return stateMaster }
func (disconnectedState) kind() stateKind  { return stateDisconnected }
