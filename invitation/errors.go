package invitation

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned when a local action refers to a session
	// that does not exist, usually due to stale UI state.
	ErrNoSession = errors.New("no such invitation session")

	// ErrUnsupportedAction is returned when a local action is not part of
	// the protocol of the session's role (for example, inviting from an
	// invitee session).
	ErrUnsupportedAction = errors.New("action not supported by session role")

	// ErrInvalidState is returned when a local action is not allowed in
	// the current state of the session.
	ErrInvalidState = errors.New("action not allowed in session state")

	// ErrNotCreator is returned when attempting to invite contacts into a
	// group created by someone else.
	ErrNotCreator = errors.New("local client is not the group creator")

	// ErrStaleTimestamp is returned when an invite is sent with a
	// timestamp not newer than the last one in the session.
	ErrStaleTimestamp = errors.New("invite timestamp is not newer than session timestamp")

	// ErrInvalidSignature is returned when an invite signature does not
	// verify with the local identity.
	ErrInvalidSignature = errors.New("invalid invite signature")
)

// stateError is returned by engines on programming misuse: actions unknown to
// the role or not allowed in the current state.
type stateError struct {
	kind   error
	role   Role
	state  string
	action string
}

func (err stateError) Error() string {
	return fmt.Sprintf("%s session in state %s: %s: %v", err.role,
		err.state, err.action, err.kind)
}

func (err stateError) Unwrap() error {
	return err.kind
}

func unsupportedAction(s Session, action string) error {
	return stateError{kind: ErrUnsupportedAction, role: s.Role(),
		state: s.StateName(), action: action}
}

func invalidState(s Session, action string) error {
	return stateError{kind: ErrInvalidState, role: s.Role(),
		state: s.StateName(), action: action}
}
