package invitation

import (
	"github.com/companyzero/groupinvite/rpc"
)

// peerEngine runs the protocol between two members of a group that are also
// contacts. Each side reveals its membership by sending a JOIN. Group content
// is shared once both sides have joined and the contact is known to be a
// member of the group.
type peerEngine struct{}

func (peerEngine) onInviteAction(t *txn, s PeerSession, a inviteAction) (transition[PeerSession], error) {
	return transition[PeerSession]{}, unsupportedAction(s, "invite")
}

// onJoinAction reveals the relationship to the contact. The local client must
// still be subscribed to the group.
func (peerEngine) onJoinAction(t *txn, s PeerSession) (transition[PeerSession], error) {
	switch s.State {
	case PeerNeitherJoined, PeerRemoteJoined:
	case PeerError:
		return ignored(s)
	default:
		return transition[PeerSession]{}, invalidState(s, "join")
	}

	// Sessions outlive the removal of their group so that a later rejoin
	// keeps the message dependencies with the contact.
	subscribed, err := t.m.db.IsSubscribed(t.tx, s.PrivateGroupID)
	if err != nil {
		return transition[PeerSession]{}, err
	}
	if !subscribed {
		return transition[PeerSession]{}, invalidState(s, "join unsubscribed group")
	}

	b, err := t.sendJoin(s.SessionBase, 0, false)
	if err != nil {
		return transition[PeerSession]{}, err
	}
	if s.State == PeerNeitherJoined {
		s.SessionBase = b
		s.State = PeerLocalJoined
		return applied(s)
	}

	if err := t.setVisibility(b, true); err != nil {
		return transition[PeerSession]{}, err
	}
	t.notifySucceeded(b, RolePeer)
	s.SessionBase = b
	s.State = PeerBothJoined
	return applied(s)
}

func (peerEngine) onLeaveAction(t *txn, s PeerSession) (transition[PeerSession], error) {
	var next PeerState
	switch s.State {
	case PeerLocalJoined:
		next = PeerNeitherJoined
	case PeerBothJoined:
		next = PeerRemoteJoined
	default:
		return ignored(s)
	}

	b, err := t.sendLeave(s.SessionBase, 0, false)
	if err != nil {
		return transition[PeerSession]{}, err
	}
	if s.State == PeerBothJoined {
		if err := t.setVisibility(b, false); err != nil {
			return transition[PeerSession]{}, err
		}
	}
	s.SessionBase = b
	s.State = next
	return applied(s)
}

func (peerEngine) onMemberAddedAction(t *txn, s PeerSession) (transition[PeerSession], error) {
	switch s.State {
	case PeerStart:
		s.State = PeerNeitherJoined
	case PeerAwaitMember:
		s.State = PeerRemoteJoined
	default:
		return ignored(s)
	}
	return applied(s)
}

func (e peerEngine) onInviteMessage(t *txn, s PeerSession, m rpc.InviteMessage) (transition[PeerSession], error) {
	return e.abort(t, s, "peer received an invite")
}

func (e peerEngine) onJoinMessage(t *txn, s PeerSession, m rpc.JoinMessage) (transition[PeerSession], error) {
	if s.State == PeerError {
		return ignored(s)
	}
	if !isValidDependency(s.SessionBase, m.PreviousMessageID) {
		return e.abort(t, s, "join with invalid dependency")
	}

	b := trackRemote(s.SessionBase, m)
	switch s.State {
	case PeerStart:
		s.State = PeerAwaitMember
	case PeerNeitherJoined:
		s.State = PeerRemoteJoined
	case PeerLocalJoined:
		if err := t.setVisibility(b, true); err != nil {
			return transition[PeerSession]{}, err
		}
		t.notifySucceeded(b, RolePeer)
		s.State = PeerBothJoined
	default:
		return e.abort(t, s, "unexpected join")
	}
	s.SessionBase = b
	return applied(s)
}

func (e peerEngine) onLeaveMessage(t *txn, s PeerSession, m rpc.LeaveMessage) (transition[PeerSession], error) {
	if s.State == PeerError {
		return ignored(s)
	}
	if !isValidDependency(s.SessionBase, m.PreviousMessageID) {
		return e.abort(t, s, "leave with invalid dependency")
	}

	b := trackRemote(s.SessionBase, m)
	switch s.State {
	case PeerAwaitMember:
		s.State = PeerStart
	case PeerRemoteJoined:
		s.State = PeerNeitherJoined
	case PeerBothJoined:
		if err := t.setVisibility(b, false); err != nil {
			return transition[PeerSession]{}, err
		}
		s.State = PeerLocalJoined
	default:
		return e.abort(t, s, "unexpected leave")
	}
	s.SessionBase = b
	return applied(s)
}

func (e peerEngine) onAbortMessage(t *txn, s PeerSession, m rpc.AbortMessage) (transition[PeerSession], error) {
	return e.abort(t, s, "remote aborted")
}

func (peerEngine) abort(t *txn, s PeerSession, reason string) (transition[PeerSession], error) {
	if s.State == PeerError {
		return ignored(s)
	}
	b, err := t.abortSession(s.SessionBase, 0, RolePeer, reason)
	if err != nil {
		return transition[PeerSession]{}, err
	}
	s.SessionBase = b
	s.State = PeerError
	return aborted(s)
}
