package invitation

import (
	"github.com/companyzero/groupinvite/rpc"
)

// creatorEngine runs the protocol of a group creator with each of the
// contacts it invites.
type creatorEngine struct{}

func (creatorEngine) onInviteAction(t *txn, s CreatorSession, a inviteAction) (transition[CreatorSession], error) {
	if s.State != CreatorStart {
		return transition[CreatorSession]{}, invalidState(s, "invite")
	}

	b, err := t.sendInvite(s.SessionBase, a)
	if err != nil {
		return transition[CreatorSession]{}, err
	}
	s.SessionBase = b
	s.InviteTimestamp = a.timestamp
	s.State = CreatorInvited
	return applied(s)
}

func (creatorEngine) onJoinAction(t *txn, s CreatorSession) (transition[CreatorSession], error) {
	return transition[CreatorSession]{}, unsupportedAction(s, "join")
}

// onLeaveAction dissolves the group.
func (creatorEngine) onLeaveAction(t *txn, s CreatorSession) (transition[CreatorSession], error) {
	switch s.State {
	case CreatorInvited, CreatorJoined, CreatorLeft:
	default:
		return ignored(s)
	}

	b, err := t.sendLeave(s.SessionBase, s.InviteTimestamp, false)
	if err != nil {
		return transition[CreatorSession]{}, err
	}
	if err := t.setVisibility(b, false); err != nil {
		return transition[CreatorSession]{}, err
	}
	s.SessionBase = b
	s.State = CreatorDissolved
	return applied(s)
}

func (creatorEngine) onMemberAddedAction(t *txn, s CreatorSession) (transition[CreatorSession], error) {
	return ignored(s)
}

func (e creatorEngine) onInviteMessage(t *txn, s CreatorSession, m rpc.InviteMessage) (transition[CreatorSession], error) {
	if s.Terminal() {
		return ignored(s)
	}
	return e.abort(t, s, "creator received an invite")
}

func (e creatorEngine) onJoinMessage(t *txn, s CreatorSession, m rpc.JoinMessage) (transition[CreatorSession], error) {
	switch s.State {
	case CreatorStart, CreatorJoined, CreatorLeft:
		return e.abort(t, s, "unexpected join")
	case CreatorDissolved, CreatorError:
		return ignored(s)
	}

	if m.Timestamp <= s.InviteTimestamp {
		return e.abort(t, s, "join older than invite")
	}
	if !isValidDependency(s.SessionBase, m.PreviousMessageID) {
		return e.abort(t, s, "join with invalid dependency")
	}

	if err := t.markVisible(s.SessionBase, m.ID); err != nil {
		return transition[CreatorSession]{}, err
	}
	b := trackRemote(s.SessionBase, m)
	if err := t.setVisibility(b, true); err != nil {
		return transition[CreatorSession]{}, err
	}
	if err := t.m.db.AddMember(t.tx, b.PrivateGroupID, t.contact.ID()); err != nil {
		return transition[CreatorSession]{}, err
	}
	t.notifyResponse(b, true)
	t.notifySucceeded(b, RoleCreator)

	s.SessionBase = b
	s.State = CreatorJoined
	return applied(s)
}

func (e creatorEngine) onLeaveMessage(t *txn, s CreatorSession, m rpc.LeaveMessage) (transition[CreatorSession], error) {
	switch s.State {
	case CreatorStart, CreatorLeft:
		return e.abort(t, s, "unexpected leave")
	case CreatorDissolved, CreatorError:
		return ignored(s)
	}

	if m.Timestamp <= s.InviteTimestamp {
		return e.abort(t, s, "leave older than invite")
	}
	if !isValidDependency(s.SessionBase, m.PreviousMessageID) {
		return e.abort(t, s, "leave with invalid dependency")
	}

	b := trackRemote(s.SessionBase, m)
	if s.State == CreatorInvited {
		// Invitation declined.
		if err := t.markVisible(b, m.ID); err != nil {
			return transition[CreatorSession]{}, err
		}
		t.notifyResponse(b, false)
		s.SessionBase = b
		s.State = CreatorStart
		return applied(s)
	}

	if err := t.setVisibility(b, false); err != nil {
		return transition[CreatorSession]{}, err
	}
	s.SessionBase = b
	s.State = CreatorLeft
	return applied(s)
}

func (e creatorEngine) onAbortMessage(t *txn, s CreatorSession, m rpc.AbortMessage) (transition[CreatorSession], error) {
	switch s.State {
	case CreatorError:
		return ignored(s)
	case CreatorDissolved:
		// Nothing is shared anymore and the contact already gave up on
		// the session, so there is no reply.
		t.notifyAborted(s.SessionBase, RoleCreator)
		s.State = CreatorError
		return aborted(s)
	}
	return e.abort(t, s, "remote aborted")
}

func (creatorEngine) abort(t *txn, s CreatorSession, reason string) (transition[CreatorSession], error) {
	if s.State == CreatorError {
		return ignored(s)
	}
	b, err := t.abortSession(s.SessionBase, s.InviteTimestamp, RoleCreator, reason)
	if err != nil {
		return transition[CreatorSession]{}, err
	}
	s.SessionBase = b
	s.State = CreatorError
	return aborted(s)
}
