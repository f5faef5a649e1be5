package invitation

import (
	"fmt"

	"github.com/companyzero/groupinvite/invitation/invitationdb"
	"github.com/companyzero/groupinvite/rpc"
	"github.com/companyzero/groupinvite/zkidentity"
)

// outcome is how an engine handled an event.
type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeApplied
	outcomeAborted
)

func (o outcome) String() string {
	switch o {
	case outcomeIgnored:
		return "ignored"
	case outcomeApplied:
		return "applied"
	case outcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// transition is the result of applying an event to a session.
type transition[S Session] struct {
	session S
	outcome outcome
}

func applied[S Session](s S) (transition[S], error) {
	return transition[S]{session: s, outcome: outcomeApplied}, nil
}

func ignored[S Session](s S) (transition[S], error) {
	return transition[S]{session: s, outcome: outcomeIgnored}, nil
}

func aborted[S Session](s S) (transition[S], error) {
	return transition[S]{session: s, outcome: outcomeAborted}, nil
}

// inviteAction is the local request to invite a contact into a group.
type inviteAction struct {
	group     rpc.PrivateGroup
	text      string
	timestamp int64
	signature zkidentity.FixedSizeSignature
}

// engine is the protocol of one session role. Engines are stateless: every
// handler receives the session and returns its successor, performing the
// side effects of the transition through the txn.
type engine[S Session] interface {
	onInviteAction(t *txn, s S, a inviteAction) (transition[S], error)
	onJoinAction(t *txn, s S) (transition[S], error)
	onLeaveAction(t *txn, s S) (transition[S], error)
	onMemberAddedAction(t *txn, s S) (transition[S], error)
	onInviteMessage(t *txn, s S, m rpc.InviteMessage) (transition[S], error)
	onJoinMessage(t *txn, s S, m rpc.JoinMessage) (transition[S], error)
	onLeaveMessage(t *txn, s S, m rpc.LeaveMessage) (transition[S], error)
	onAbortMessage(t *txn, s S, m rpc.AbortMessage) (transition[S], error)
}

type eventKind int

const (
	evInviteAction eventKind = iota
	evJoinAction
	evLeaveAction
	evMemberAdded
	evMessage
)

// event is a local action or an incoming message to be applied to a session.
type event struct {
	kind   eventKind
	invite inviteAction
	msg    rpc.GroupInvitationMessage
}

func (ev event) String() string {
	switch ev.kind {
	case evInviteAction:
		return "invite action"
	case evJoinAction:
		return "join action"
	case evLeaveAction:
		return "leave action"
	case evMemberAdded:
		return "member added"
	case evMessage:
		return "remote " + ev.msg.MessageType().String()
	default:
		return fmt.Sprintf("event(%d)", int(ev.kind))
	}
}

// apply runs the handler of e that matches ev.
func apply[S Session](t *txn, e engine[S], s S, ev event) (transition[Session], error) {
	var tr transition[S]
	var err error
	switch ev.kind {
	case evInviteAction:
		tr, err = e.onInviteAction(t, s, ev.invite)
	case evJoinAction:
		tr, err = e.onJoinAction(t, s)
	case evLeaveAction:
		tr, err = e.onLeaveAction(t, s)
	case evMemberAdded:
		tr, err = e.onMemberAddedAction(t, s)
	case evMessage:
		switch m := ev.msg.(type) {
		case rpc.InviteMessage:
			tr, err = e.onInviteMessage(t, s, m)
		case rpc.JoinMessage:
			tr, err = e.onJoinMessage(t, s, m)
		case rpc.LeaveMessage:
			tr, err = e.onLeaveMessage(t, s, m)
		case rpc.AbortMessage:
			tr, err = e.onAbortMessage(t, s, m)
		default:
			err = fmt.Errorf("unknown message type %T", ev.msg)
		}
	default:
		err = fmt.Errorf("unknown event kind %d", ev.kind)
	}
	if err != nil {
		return transition[Session]{}, err
	}
	return transition[Session]{session: tr.session, outcome: tr.outcome}, nil
}

// runEngine applies ev to sess using the engine of the session role.
func runEngine(t *txn, sess Session, ev event) (transition[Session], error) {
	switch s := sess.(type) {
	case CreatorSession:
		return apply[CreatorSession](t, creatorEngine{}, s, ev)
	case InviteeSession:
		return apply[InviteeSession](t, inviteeEngine{}, s, ev)
	case PeerSession:
		return apply[PeerSession](t, peerEngine{}, s, ev)
	default:
		return transition[Session]{}, fmt.Errorf("unknown session type %T", sess)
	}
}

type outgoingMessage struct {
	contact rpc.ContactID
	msg     rpc.Message
}

type transitionRecord struct {
	role    Role
	event   string
	outcome outcome
}

// effects are the side effects of a transaction that may only be performed
// once it is committed.
type effects struct {
	outgoing    []outgoingMessage
	ntfns       []func(*NotificationManager)
	transitions []transitionRecord
}

// txn is the context in which engines run: one db transaction, on the
// mailbox of one contact.
type txn struct {
	m       *Manager
	tx      invitationdb.ReadWriteTx
	contact *invitationdb.Contact
	fx      *effects
}

// withContact returns a txn that shares the transaction and effects of t but
// operates on the mailbox of c.
func (t *txn) withContact(c *invitationdb.Contact) *txn {
	return &txn{m: t.m, tx: t.tx, contact: c, fx: t.fx}
}

func (t *txn) notify(f func(nmgr *NotificationManager)) {
	t.fx.ntfns = append(t.fx.ntfns, f)
}

// contactCopy returns a copy of the contact that is safe to hand to
// notification handlers.
func (t *txn) contactCopy() *invitationdb.Contact {
	c := *t.contact
	return &c
}

func (t *txn) nowMilli() int64 {
	return t.m.cfg.Now().UnixMilli()
}

// localTimestamp returns the timestamp for a new outgoing message. It is
// strictly greater than every timestamp previously sent in the session and
// than the timestamp of the invite.
func (t *txn) localTimestamp(b SessionBase, inviteTimestamp int64) int64 {
	return max(t.nowMilli(), max(b.LocalTimestamp, inviteTimestamp)+1)
}

// isValidDependency returns true if prev (the previous message declared by a
// remote JOIN or LEAVE) is the last message accepted from the contact.
func isValidDependency(b SessionBase, prev rpc.MessageID) bool {
	return prev == b.LastRemoteMessageID
}

// trackRemote records m as the last accepted message from the contact.
func trackRemote(b SessionBase, m rpc.GroupInvitationMessage) SessionBase {
	b.LastRemoteMessageID = m.Hdr().ID
	return b
}

// send composes m, stores it as a local message and queues it for delivery
// to the contact. It returns b updated to account for the sent message.
func (t *txn) send(b SessionBase, m rpc.GroupInvitationMessage, visible bool) (SessionBase, error) {
	raw, err := rpc.ComposeMessage(m)
	if err != nil {
		return b, err
	}
	meta := rpc.MessageMetadata{
		Type:           m.MessageType(),
		PrivateGroupID: b.PrivateGroupID,
		Timestamp:      raw.Timestamp,
		Visible:        visible,
	}
	if err := t.m.db.AddLocalMessage(t.tx, raw, meta); err != nil {
		return b, err
	}
	t.fx.outgoing = append(t.fx.outgoing, outgoingMessage{contact: t.contact.ID(), msg: raw})
	b.LastLocalMessageID = raw.ID
	b.LocalTimestamp = raw.Timestamp
	return b, nil
}

func (t *txn) header(b SessionBase, timestamp int64) rpc.MessageHeader {
	return rpc.MessageHeader{
		ContactGroupID: b.ContactGroupID,
		Author:         t.m.localID(),
		PrivateGroupID: b.PrivateGroupID,
		Timestamp:      timestamp,
	}
}

func (t *txn) sendInvite(b SessionBase, a inviteAction) (SessionBase, error) {
	m := rpc.InviteMessage{
		MessageHeader: t.header(b, a.timestamp),
		GroupName:     a.group.Name,
		Creator:       a.group.Creator,
		Salt:          a.group.Salt,
		Text:          a.text,
		Signature:     a.signature,
	}
	return t.send(b, m, true)
}

func (t *txn) sendJoin(b SessionBase, inviteTimestamp int64, visible bool) (SessionBase, error) {
	m := rpc.JoinMessage{
		MessageHeader:     t.header(b, t.localTimestamp(b, inviteTimestamp)),
		PreviousMessageID: b.LastLocalMessageID,
	}
	return t.send(b, m, visible)
}

func (t *txn) sendLeave(b SessionBase, inviteTimestamp int64, visible bool) (SessionBase, error) {
	m := rpc.LeaveMessage{
		MessageHeader:     t.header(b, t.localTimestamp(b, inviteTimestamp)),
		PreviousMessageID: b.LastLocalMessageID,
	}
	return t.send(b, m, visible)
}

func (t *txn) sendAbort(b SessionBase, inviteTimestamp int64) (SessionBase, error) {
	m := rpc.AbortMessage{
		MessageHeader: t.header(b, t.localTimestamp(b, inviteTimestamp)),
	}
	return t.send(b, m, false)
}

func (t *txn) updateMeta(b SessionBase, id rpc.MessageID, f func(meta *rpc.MessageMetadata)) error {
	meta, err := t.m.db.GetMessageMetadata(t.tx, b.ContactGroupID, id)
	if err != nil {
		return err
	}
	f(meta)
	return t.m.db.UpdateMessageMetadata(t.tx, b.ContactGroupID, id, *meta)
}

func (t *txn) markVisible(b SessionBase, id rpc.MessageID) error {
	return t.updateMeta(b, id, func(meta *rpc.MessageMetadata) {
		meta.Visible = true
	})
}

// markInviteReceived flags a received invite as shown and pending an answer.
func (t *txn) markInviteReceived(b SessionBase, id rpc.MessageID) error {
	return t.updateMeta(b, id, func(meta *rpc.MessageMetadata) {
		meta.Visible = true
		meta.AvailableToAnswer = true
	})
}

// markInvitesUnavailable flags every invite of the session as no longer
// answerable.
func (t *txn) markInvitesUnavailable(b SessionBase) error {
	entries, err := t.m.db.ListMessageMetadata(t.tx, b.ContactGroupID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		meta := e.Meta
		if meta.Type != rpc.MessageTypeInvite || meta.PrivateGroupID != b.PrivateGroupID ||
			!meta.AvailableToAnswer {
			continue
		}
		meta.AvailableToAnswer = false
		if err := t.m.db.UpdateMessageMetadata(t.tx, b.ContactGroupID, e.ID, meta); err != nil {
			return err
		}
	}
	return nil
}

// setVisibility sets whether the group content is shared with the contact.
func (t *txn) setVisibility(b SessionBase, shared bool) error {
	return t.m.db.SetGroupVisibility(t.tx, t.contact.ID(), b.PrivateGroupID, shared)
}

func (t *txn) notifySucceeded(b SessionBase, role Role) {
	c, gid := t.contactCopy(), b.PrivateGroupID
	t.notify(func(nmgr *NotificationManager) {
		nmgr.notifyInvitationSucceeded(c, gid, role)
	})
}

func (t *txn) notifyResponse(b SessionBase, accepted bool) {
	c, gid := t.contactCopy(), b.PrivateGroupID
	t.notify(func(nmgr *NotificationManager) {
		nmgr.notifyInvitationResponse(c, gid, accepted)
	})
}

// abortSession performs the side effects of aborting a session: the group
// is no longer shared with the contact, pending invites can no longer be
// answered and a single ABORT is sent.
func (t *txn) abortSession(b SessionBase, inviteTimestamp int64, role Role, reason string) (SessionBase, error) {
	t.m.log.Warnf("Aborting %s session with %s for group %s: %s", role,
		t.contact.ID().ShortLogID(), b.PrivateGroupID.ShortLogID(), reason)

	if err := t.setVisibility(b, false); err != nil {
		return b, err
	}
	if err := t.markInvitesUnavailable(b); err != nil {
		return b, err
	}
	b, err := t.sendAbort(b, inviteTimestamp)
	if err != nil {
		return b, err
	}
	t.notifyAborted(b, role)
	return b, nil
}

func (t *txn) notifyAborted(b SessionBase, role Role) {
	c, gid := t.contactCopy(), b.PrivateGroupID
	t.notify(func(nmgr *NotificationManager) {
		nmgr.notifyInvitationAborted(c, gid, role)
	})
}
