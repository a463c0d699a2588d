package mastership

import "github.com/pkg/errors"

var (
	// ErrMalformedMessage indicates a role message carried a role code this
	// package does not know. It is fatal to the connection.
	ErrMalformedMessage = errors.New("malformed role message")
	// ErrSwitchState indicates the switch violated the role protocol, e.g.
	// by replying when nothing was pending or echoing the wrong role. It is
	// fatal to the connection.
	ErrSwitchState = errors.New("switch state error")
	// ErrDisconnected is returned by session operations once the session has
	// been torn down. This state is terminal.
	ErrDisconnected = errors.New("session is disconnected")
	// ErrQueryUnsupported is returned when a role query is attempted on a
	// dialect that cannot express one.
	ErrQueryUnsupported = errors.New("role queries are not supported by this switch")
)

func switchStateErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrSwitchState, format, args...)
}

func malformedErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformedMessage, format, args...)
}

// isFatal reports whether err should tear down the connection it came from.
func isFatal(err error) bool {
	switch errors.Cause(err) {
	case ErrSwitchState, ErrMalformedMessage:
		return true
	}
	return false
}
