package invitation

import (
	"github.com/companyzero/groupinvite/rpc"
)

// inviteeEngine runs the protocol of a contact invited into a group, with the
// creator of that group.
type inviteeEngine struct{}

func (inviteeEngine) onInviteAction(t *txn, s InviteeSession, a inviteAction) (transition[InviteeSession], error) {
	return transition[InviteeSession]{}, unsupportedAction(s, "invite")
}

// onJoinAction accepts the invitation.
func (inviteeEngine) onJoinAction(t *txn, s InviteeSession) (transition[InviteeSession], error) {
	if s.State != InviteeInvited {
		return transition[InviteeSession]{}, invalidState(s, "join")
	}

	invite, err := loadInvite(t.m.db, t.tx, s)
	if err != nil {
		return transition[InviteeSession]{}, err
	}
	if err := t.markInvitesUnavailable(s.SessionBase); err != nil {
		return transition[InviteeSession]{}, err
	}
	b, err := t.sendJoin(s.SessionBase, s.InviteTimestamp, true)
	if err != nil {
		return transition[InviteeSession]{}, err
	}

	group := groupFromInvite(invite)
	subscribed, err := t.m.db.IsSubscribed(t.tx, group.ID)
	if err != nil {
		return transition[InviteeSession]{}, err
	}
	if !subscribed {
		if err := t.m.db.AddPrivateGroup(t.tx, group); err != nil {
			return transition[InviteeSession]{}, err
		}
	}
	for _, member := range []rpc.ContactID{t.m.localID(), t.contact.ID()} {
		if err := t.m.db.AddMember(t.tx, group.ID, member); err != nil {
			return transition[InviteeSession]{}, err
		}
	}
	if err := t.setVisibility(b, true); err != nil {
		return transition[InviteeSession]{}, err
	}
	t.notifySucceeded(b, RoleInvitee)

	s.SessionBase = b
	s.State = InviteeJoined
	return applied(s)
}

// onLeaveAction declines the invitation or leaves the group.
func (inviteeEngine) onLeaveAction(t *txn, s InviteeSession) (transition[InviteeSession], error) {
	switch s.State {
	case InviteeInvited:
		if err := t.markInvitesUnavailable(s.SessionBase); err != nil {
			return transition[InviteeSession]{}, err
		}
		b, err := t.sendLeave(s.SessionBase, s.InviteTimestamp, true)
		if err != nil {
			return transition[InviteeSession]{}, err
		}
		s.SessionBase = b
		s.State = InviteeStart
		return applied(s)

	case InviteeJoined:
		b, err := t.sendLeave(s.SessionBase, s.InviteTimestamp, false)
		if err != nil {
			return transition[InviteeSession]{}, err
		}
		if err := t.setVisibility(b, false); err != nil {
			return transition[InviteeSession]{}, err
		}
		s.SessionBase = b
		s.State = InviteeLeft
		return applied(s)

	default:
		return ignored(s)
	}
}

func (inviteeEngine) onMemberAddedAction(t *txn, s InviteeSession) (transition[InviteeSession], error) {
	return ignored(s)
}

func (e inviteeEngine) onInviteMessage(t *txn, s InviteeSession, m rpc.InviteMessage) (transition[InviteeSession], error) {
	switch s.State {
	case InviteeDissolved, InviteeError:
		return ignored(s)
	case InviteeInvited, InviteeJoined, InviteeLeft:
		return e.abort(t, s, "unexpected invite")
	}

	if m.Timestamp <= s.InviteTimestamp {
		return e.abort(t, s, "invite not newer than previous invite")
	}
	if m.Creator.Identity != t.contact.ID() {
		return e.abort(t, s, "invite for group created by someone else")
	}

	if err := t.markInviteReceived(s.SessionBase, m.ID); err != nil {
		return transition[InviteeSession]{}, err
	}
	b := trackRemote(s.SessionBase, m)

	c, inv := t.contactCopy(), invitationFromInvite(t.contact.ID(), m)
	t.notify(func(nmgr *NotificationManager) {
		nmgr.notifyInvitationReceived(c, inv)
	})

	s.SessionBase = b
	s.InviteTimestamp = m.Timestamp
	s.State = InviteeInvited
	return applied(s)
}

func (e inviteeEngine) onJoinMessage(t *txn, s InviteeSession, m rpc.JoinMessage) (transition[InviteeSession], error) {
	if s.Terminal() {
		return ignored(s)
	}
	return e.abort(t, s, "invitee received a join")
}

// onLeaveMessage handles the creator withdrawing the invitation or
// dissolving the group.
func (e inviteeEngine) onLeaveMessage(t *txn, s InviteeSession, m rpc.LeaveMessage) (transition[InviteeSession], error) {
	switch s.State {
	case InviteeDissolved, InviteeError:
		return ignored(s)
	case InviteeStart:
		return e.abort(t, s, "unexpected leave")
	}

	if m.Timestamp <= s.InviteTimestamp {
		return e.abort(t, s, "leave older than invite")
	}
	if !isValidDependency(s.SessionBase, m.PreviousMessageID) {
		return e.abort(t, s, "leave with invalid dependency")
	}

	if err := t.markInvitesUnavailable(s.SessionBase); err != nil {
		return transition[InviteeSession]{}, err
	}
	if err := t.markVisible(s.SessionBase, m.ID); err != nil {
		return transition[InviteeSession]{}, err
	}
	b := trackRemote(s.SessionBase, m)
	if err := t.setVisibility(b, false); err != nil {
		return transition[InviteeSession]{}, err
	}
	subscribed, err := t.m.db.IsSubscribed(t.tx, b.PrivateGroupID)
	if err != nil {
		return transition[InviteeSession]{}, err
	}
	if subscribed {
		if err := t.m.db.MarkGroupDissolved(t.tx, b.PrivateGroupID); err != nil {
			return transition[InviteeSession]{}, err
		}
	}

	s.SessionBase = b
	s.State = InviteeDissolved
	return applied(s)
}

func (e inviteeEngine) onAbortMessage(t *txn, s InviteeSession, m rpc.AbortMessage) (transition[InviteeSession], error) {
	switch s.State {
	case InviteeError:
		return ignored(s)
	case InviteeDissolved:
		t.notifyAborted(s.SessionBase, RoleInvitee)
		s.State = InviteeError
		return aborted(s)
	}
	return e.abort(t, s, "remote aborted")
}

func (inviteeEngine) abort(t *txn, s InviteeSession, reason string) (transition[InviteeSession], error) {
	if s.State == InviteeError {
		return ignored(s)
	}
	b, err := t.abortSession(s.SessionBase, s.InviteTimestamp, RoleInvitee, reason)
	if err != nil {
		return transition[InviteeSession]{}, err
	}
	s.SessionBase = b
	s.State = InviteeError
	return aborted(s)
}
