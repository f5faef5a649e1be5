package invitation

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/companyzero/groupinvite/invitation/invitationdb"
	"github.com/companyzero/groupinvite/rpc"
	"github.com/companyzero/groupinvite/zkidentity"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slices"
)

// OutboundSender hands messages to the sync layer for delivery to a contact.
// Messages for a contact must be delivered in the order they are passed.
type OutboundSender interface {
	SendMessages(ctx context.Context, contact rpc.ContactID, msgs []rpc.Message) error
}

// Config is the configuration of a Manager.
type Config struct {
	DB      *invitationdb.DB
	LocalID *zkidentity.FullIdentity

	// Sender receives the messages generated by every committed
	// transaction. If nil, messages are only stored locally.
	Sender OutboundSender

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger slog.Logger

	// Registerer is where the prometheus collectors of the manager are
	// registered. If nil, metrics are not exported.
	Registerer prometheus.Registerer
}

// Manager runs the group invitation protocol of the local client with all of
// its contacts. Every exported call runs as a single db transaction. Messages
// and notifications generated by a call are only sent after its transaction
// commits.
type Manager struct {
	cfg   Config
	db    *invitationdb.DB
	log   slog.Logger
	ntfns *NotificationManager
	stats *stats
}

// NewManager creates a new invitation manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DB == nil {
		return nil, errors.New("db is required")
	}
	if cfg.LocalID == nil {
		return nil, errors.New("local identity is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := slog.Disabled
	if cfg.Logger != nil {
		log = cfg.Logger
	}

	return &Manager{
		cfg:   cfg,
		db:    cfg.DB,
		log:   log,
		ntfns: NewNotificationManager(),
		stats: newStats(cfg.Registerer),
	}, nil
}

// NotificationManager returns the notification manager of events generated by
// the protocol.
func (m *Manager) NotificationManager() *NotificationManager {
	return m.ntfns
}

func (m *Manager) localID() rpc.ContactID {
	return m.cfg.LocalID.Public.Identity
}

// update runs f inside a db transaction and performs the side effects it
// queued once the transaction commits.
func (m *Manager) update(ctx context.Context, f func(t *txn) error) error {
	var fx *effects
	err := m.db.Update(ctx, func(tx invitationdb.ReadWriteTx) error {
		// Reset on every attempt, as the db may retry f.
		fx = &effects{}
		return f(&txn{m: m, tx: tx, fx: fx})
	})
	if err != nil {
		return err
	}
	m.afterCommit(ctx, fx)
	return nil
}

func (m *Manager) afterCommit(ctx context.Context, fx *effects) {
	m.stats.recordTransitions(fx.transitions)

	// Group messages by contact, keeping the order in which they were
	// generated.
	var order []rpc.ContactID
	byContact := make(map[rpc.ContactID][]rpc.Message)
	for _, out := range fx.outgoing {
		if _, ok := byContact[out.contact]; !ok {
			order = append(order, out.contact)
		}
		byContact[out.contact] = append(byContact[out.contact], out.msg)
	}
	for _, id := range order {
		msgs := byContact[id]
		if m.cfg.Sender == nil {
			m.log.Debugf("No sender configured to send %d messages to %s",
				len(msgs), id.ShortLogID())
			continue
		}
		if err := m.cfg.Sender.SendMessages(ctx, id, msgs); err != nil {
			m.stats.sendFailures.Inc()
			m.log.Errorf("Unable to send %d messages to %s: %v",
				len(msgs), id.ShortLogID(), err)
			continue
		}
		m.stats.sentMsgs.Add(float64(len(msgs)))
	}

	for _, f := range fx.ntfns {
		f(m.ntfns)
	}
}

// withContact returns a txn on the mailbox of the given contact.
func (m *Manager) withContact(t *txn, id rpc.ContactID) (*txn, error) {
	c, err := m.db.GetContact(t.tx, id)
	if err != nil {
		return nil, err
	}
	return t.withContact(c), nil
}

func (m *Manager) loadSession(tx invitationdb.ReadTx, contactGroupID, groupID rpc.GroupID) (Session, error) {
	b, err := m.db.GetSession(tx, contactGroupID, rpc.SessionIDFor(groupID))
	if err != nil {
		return nil, err
	}
	return decodeSession(b)
}

// step applies ev to sess and stores the resulting session.
func (m *Manager) step(t *txn, sess Session, ev event) (transition[Session], error) {
	tr, err := runEngine(t, sess, ev)
	if err != nil {
		return tr, err
	}
	t.fx.transitions = append(t.fx.transitions, transitionRecord{
		role:    sess.Role(),
		event:   ev.String(),
		outcome: tr.outcome,
	})

	base := tr.session.Base()
	contactID := t.contact.ID().ShortLogID()
	groupID := base.PrivateGroupID.ShortLogID()
	switch tr.outcome {
	case outcomeIgnored:
		m.log.Debugf("Ignored %s in %s session with %s for group %s (state %s)",
			ev, sess.Role(), contactID, groupID, sess.StateName())
		return tr, nil
	case outcomeAborted:
		m.log.Warnf("Session %s with %s for group %s moved from %s to %s "+
			"after %s", sess.Role(), contactID, groupID,
			sess.StateName(), tr.session.StateName(), ev)
	default:
		m.log.Infof("Applied %s to %s session with %s for group %s: %s -> %s",
			ev, sess.Role(), contactID, groupID, sess.StateName(),
			tr.session.StateName())
	}

	rec, err := encodeSession(tr.session)
	if err != nil {
		return tr, err
	}
	if err := m.db.PutSession(t.tx, base.ContactGroupID, base.SessionID(), rec); err != nil {
		return tr, err
	}
	return tr, nil
}

// CreatePrivateGroup creates a new private group authored by the local
// client.
func (m *Manager) CreatePrivateGroup(ctx context.Context, name string) (rpc.PrivateGroup, error) {
	if err := rpc.ValidateGroupName(name); err != nil {
		return rpc.PrivateGroup{}, err
	}
	var salt zkidentity.ShortID
	if _, err := rand.Read(salt[:]); err != nil {
		return rpc.PrivateGroup{}, err
	}
	g := rpc.PrivateGroup{
		ID:      rpc.PrivateGroupIDFor(m.localID(), name, salt),
		Name:    name,
		Creator: m.cfg.LocalID.Public,
		Salt:    salt,
	}
	err := m.update(ctx, func(t *txn) error {
		if err := m.db.AddPrivateGroup(t.tx, g); err != nil {
			return err
		}
		return m.db.AddMember(t.tx, g.ID, m.localID())
	})
	if err != nil {
		return rpc.PrivateGroup{}, err
	}
	m.log.Infof("Created private group %s (%q)", g.ID.ShortLogID(), name)
	return g, nil
}

// SignInvitation returns the signature required to invite the contact into
// the group at the given timestamp.
func (m *Manager) SignInvitation(ctx context.Context, contactID rpc.ContactID,
	groupID rpc.GroupID, timestamp int64) (zkidentity.FixedSizeSignature, error) {

	var sig zkidentity.FixedSizeSignature
	err := m.db.View(ctx, func(tx invitationdb.ReadTx) error {
		c, err := m.db.GetContact(tx, contactID)
		if err != nil {
			return err
		}
		sig = rpc.SignInvite(m.cfg.LocalID, timestamp, c.ContactGroupID, groupID)
		return nil
	})
	return sig, err
}

// IsInvitationAllowed returns true if the contact may be invited into the
// group: there is no session with the contact for the group, or the previous
// invitation was declined.
func (m *Manager) IsInvitationAllowed(ctx context.Context, contactID rpc.ContactID, groupID rpc.GroupID) (bool, error) {
	var allowed bool
	err := m.db.View(ctx, func(tx invitationdb.ReadTx) error {
		c, err := m.db.GetContact(tx, contactID)
		if err != nil {
			return err
		}
		sess, err := m.loadSession(tx, c.ContactGroupID, groupID)
		if errors.Is(err, invitationdb.ErrNotFound) {
			allowed = true
			return nil
		}
		if err != nil {
			return err
		}
		cs, ok := sess.(CreatorSession)
		allowed = ok && cs.State == CreatorStart
		return nil
	})
	return allowed, err
}

func checkInviteText(text string) error {
	if len(text) > rpc.MaxInviteTextLen || !utf8.ValidString(text) {
		return fmt.Errorf("%w: invite text must be valid utf8 with at most %d bytes",
			rpc.ErrInvalidMessage, rpc.MaxInviteTextLen)
	}
	return nil
}

// SendInvitation invites a contact into a group created by the local client.
// sig must be the result of SignInvitation for the same contact, group and
// timestamp.
func (m *Manager) SendInvitation(ctx context.Context, groupID rpc.GroupID, contactID rpc.ContactID,
	text string, timestamp int64, sig zkidentity.FixedSizeSignature) error {

	if err := checkInviteText(text); err != nil {
		return err
	}

	return m.update(ctx, func(t *txn) error {
		group, err := m.db.GetPrivateGroup(t.tx, groupID)
		if err != nil {
			return err
		}
		if group.Creator.Identity != m.localID() {
			return fmt.Errorf("group %s: %w", groupID, ErrNotCreator)
		}
		t, err = m.withContact(t, contactID)
		if err != nil {
			return err
		}

		cg := t.contact.ContactGroupID
		sess, err := m.loadSession(t.tx, cg, groupID)
		if errors.Is(err, invitationdb.ErrNotFound) {
			sess, err = newCreatorSession(cg, groupID), nil
		}
		if err != nil {
			return err
		}
		cs, ok := sess.(CreatorSession)
		if !ok {
			return fmt.Errorf("%w: contact %s already has a %s session "+
				"for group %s", ErrInvalidState, contactID, sess.Role(), groupID)
		}
		if timestamp <= max(cs.LocalTimestamp, cs.InviteTimestamp) {
			return ErrStaleTimestamp
		}
		if !rpc.VerifyInvite(&m.cfg.LocalID.Public, &sig, timestamp, cg, groupID) {
			return ErrInvalidSignature
		}

		ev := event{kind: evInviteAction, invite: inviteAction{
			group:     *group,
			text:      text,
			timestamp: timestamp,
			signature: sig,
		}}
		_, err = m.step(t, cs, ev)
		return err
	})
}

// RespondToInvitation accepts or declines a pending invitation from the
// contact into the group.
func (m *Manager) RespondToInvitation(ctx context.Context, contactID rpc.ContactID, groupID rpc.GroupID, accept bool) error {
	return m.update(ctx, func(t *txn) error {
		t, err := m.withContact(t, contactID)
		if err != nil {
			return err
		}
		sess, err := m.loadSession(t.tx, t.contact.ContactGroupID, groupID)
		if errors.Is(err, invitationdb.ErrNotFound) {
			return fmt.Errorf("%w: no invitation from %s for group %s",
				ErrNoSession, contactID, groupID)
		}
		if err != nil {
			return err
		}
		is, ok := sess.(InviteeSession)
		if !ok {
			return fmt.Errorf("%w: session with %s for group %s is a %s session",
				ErrNoSession, contactID, groupID, sess.Role())
		}
		if is.State != InviteeInvited {
			return invalidState(is, "respond")
		}

		ev := event{kind: evLeaveAction}
		if accept {
			ev.kind = evJoinAction
		}
		_, err = m.step(t, is, ev)
		return err
	})
}

// RevealRelationship reveals to a contact that is also a member of the group
// that the local client is a member.
func (m *Manager) RevealRelationship(ctx context.Context, contactID rpc.ContactID, groupID rpc.GroupID) error {
	return m.update(ctx, func(t *txn) error {
		t, err := m.withContact(t, contactID)
		if err != nil {
			return err
		}
		sess, err := m.loadSession(t.tx, t.contact.ContactGroupID, groupID)
		if errors.Is(err, invitationdb.ErrNotFound) {
			return fmt.Errorf("%w: %s is not known to be a member of group %s",
				ErrNoSession, contactID, groupID)
		}
		if err != nil {
			return err
		}
		ps, ok := sess.(PeerSession)
		if !ok {
			return fmt.Errorf("%w: session with %s for group %s is a %s session",
				ErrInvalidState, contactID, groupID, sess.Role())
		}
		_, err = m.step(t, ps, event{kind: evJoinAction})
		return err
	})
}

// IncomingMessage validates and handles a message received from the sync
// layer. It returns whether the message should be retained for display.
func (m *Manager) IncomingMessage(ctx context.Context, raw rpc.Message) (bool, error) {
	msg, meta, err := rpc.ValidateMessage(raw)
	if err != nil {
		m.stats.rejected.Inc()
		m.log.Warnf("Rejecting message %s in group %s: %v",
			raw.ID.ShortLogID(), raw.GroupID.ShortLogID(), err)
		return false, err
	}

	var retain bool
	err = m.update(ctx, func(t *txn) error {
		var err error
		retain, err = m.incomingMessage(t, raw, msg, meta)
		return err
	})
	return retain, err
}

// IncomingMessageTx handles a message previously validated with
// rpc.ValidateMessage inside a transaction owned by the caller. The returned
// afterCommit function must be called once tx is committed.
func (m *Manager) IncomingMessageTx(tx invitationdb.ReadWriteTx, raw rpc.Message,
	msg rpc.GroupInvitationMessage, meta rpc.MessageMetadata) (retain bool,
	afterCommit func(context.Context), err error) {

	fx := &effects{}
	retain, err = m.incomingMessage(&txn{m: m, tx: tx, fx: fx}, raw, msg, meta)
	if err != nil {
		return false, nil, err
	}
	return retain, func(ctx context.Context) { m.afterCommit(ctx, fx) }, nil
}

func (m *Manager) incomingMessage(t *txn, raw rpc.Message, msg rpc.GroupInvitationMessage,
	meta rpc.MessageMetadata) (bool, error) {

	c, err := m.db.ContactByGroup(t.tx, raw.GroupID)
	if err != nil {
		return false, fmt.Errorf("message %s: %w", raw.ID, err)
	}
	if raw.Author != c.ID() {
		return false, fmt.Errorf("%w: message %s in mailbox of %s authored by %s",
			rpc.ErrInvalidMessage, raw.ID, c.ID(), raw.Author)
	}
	t = t.withContact(c)

	dup, err := m.db.HasMessage(t.tx, raw.GroupID, raw.ID)
	if err != nil {
		return false, err
	}
	if dup {
		m.stats.duplicates.Inc()
		m.log.Debugf("Ignoring duplicate %s %s from %s", msg.MessageType(),
			raw.ID.ShortLogID(), c.ID().ShortLogID())
		return false, nil
	}
	if err := m.db.AddRemoteMessage(t.tx, raw, meta); err != nil {
		return false, err
	}

	groupID := msg.Hdr().PrivateGroupID
	sess, err := m.loadSession(t.tx, c.ContactGroupID, groupID)
	if errors.Is(err, invitationdb.ErrNotFound) {
		if msg.MessageType() == rpc.MessageTypeInvite {
			sess = newInviteeSession(c.ContactGroupID, groupID)
		} else {
			sess = newPeerSession(c.ContactGroupID, groupID)
		}
		err = nil
	}
	if err != nil {
		return false, err
	}

	tr, err := m.step(t, sess, event{kind: evMessage, msg: msg})
	if err != nil {
		return false, err
	}
	retain := tr.outcome == outcomeApplied && msg.MessageType() != rpc.MessageTypeAbort
	return retain, nil
}

// AddingContact registers a new contact and its mailbox group.
func (m *Manager) AddingContact(ctx context.Context, id zkidentity.PublicIdentity, alias string) error {
	if !id.Verify() || !id.VerifyIdentity() {
		return fmt.Errorf("invalid identity %s", id.Identity)
	}
	if id.Identity == m.localID() {
		return errors.New("cannot add the local identity as a contact")
	}
	if alias = strings.TrimSpace(alias); alias == "" {
		alias = id.Name
	}
	c := invitationdb.Contact{
		Identity:       id,
		Alias:          alias,
		ContactGroupID: rpc.ContactGroupIDFor(m.localID(), id.Identity),
		Added:          m.cfg.Now(),
	}
	return m.update(ctx, func(t *txn) error {
		return m.db.AddContact(t.tx, c)
	})
}

// RemovingContact removes a contact along with its mailbox group and every
// session, message and visibility entry related to it.
func (m *Manager) RemovingContact(ctx context.Context, contactID rpc.ContactID) error {
	return m.update(ctx, func(t *txn) error {
		return m.db.RemoveContact(t.tx, contactID)
	})
}

// AddingMember records that memberID is a member of the group. If the member
// is a contact, the peer protocol with it is advanced.
func (m *Manager) AddingMember(ctx context.Context, groupID rpc.GroupID, memberID rpc.ContactID) error {
	return m.update(ctx, func(t *txn) error {
		if err := m.db.AddMember(t.tx, groupID, memberID); err != nil {
			return err
		}
		if memberID == m.localID() {
			return nil
		}

		t, err := m.withContact(t, memberID)
		if errors.Is(err, invitationdb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cg := t.contact.ContactGroupID
		sess, err := m.loadSession(t.tx, cg, groupID)
		if errors.Is(err, invitationdb.ErrNotFound) {
			sess, err = newPeerSession(cg, groupID), nil
		}
		if err != nil {
			return err
		}
		_, err = m.step(t, sess, event{kind: evMemberAdded})
		return err
	})
}

// RemovingGroup leaves (or, for the creator, dissolves) the group with every
// contact and removes the local copy of the group.
func (m *Manager) RemovingGroup(ctx context.Context, groupID rpc.GroupID) error {
	return m.update(ctx, func(t *txn) error {
		contacts, err := m.db.ListContacts(t.tx)
		if err != nil {
			return err
		}
		for i := range contacts {
			tc := t.withContact(&contacts[i])
			sess, err := m.loadSession(tc.tx, tc.contact.ContactGroupID, groupID)
			if errors.Is(err, invitationdb.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if _, err := m.step(tc, sess, event{kind: evLeaveAction}); err != nil {
				return err
			}
		}
		return m.db.RemovePrivateGroup(t.tx, groupID)
	})
}

// MarkMessageRead flags a message exchanged with the contact as read.
func (m *Manager) MarkMessageRead(ctx context.Context, contactID rpc.ContactID, msgID rpc.MessageID) error {
	return m.update(ctx, func(t *txn) error {
		c, err := m.db.GetContact(t.tx, contactID)
		if err != nil {
			return err
		}
		meta, err := m.db.GetMessageMetadata(t.tx, c.ContactGroupID, msgID)
		if err != nil {
			return err
		}
		meta.Read = true
		return m.db.UpdateMessageMetadata(t.tx, c.ContactGroupID, msgID, *meta)
	})
}

// SessionState returns the session with the contact for the group.
func (m *Manager) SessionState(ctx context.Context, contactID rpc.ContactID, groupID rpc.GroupID) (Session, error) {
	var sess Session
	err := m.db.View(ctx, func(tx invitationdb.ReadTx) error {
		c, err := m.db.GetContact(tx, contactID)
		if err != nil {
			return err
		}
		sess, err = m.loadSession(tx, c.ContactGroupID, groupID)
		if errors.Is(err, invitationdb.ErrNotFound) {
			return fmt.Errorf("%w: contact %s group %s", ErrNoSession,
				contactID, groupID)
		}
		return err
	})
	return sess, err
}

// GetInvitations returns the invitations received and not yet answered,
// ordered by timestamp.
func (m *Manager) GetInvitations(ctx context.Context) ([]Invitation, error) {
	var res []Invitation
	err := m.db.View(ctx, func(tx invitationdb.ReadTx) error {
		contacts, err := m.db.ListContacts(tx)
		if err != nil {
			return err
		}
		for _, c := range contacts {
			sessions, err := m.db.ListSessions(tx, c.ContactGroupID)
			if err != nil {
				return err
			}
			for _, b := range sessions {
				sess, err := decodeSession(b)
				if err != nil {
					return err
				}
				is, ok := sess.(InviteeSession)
				if !ok || is.State != InviteeInvited {
					continue
				}
				invite, err := loadInvite(m.db, tx, is)
				if err != nil {
					return err
				}
				res = append(res, invitationFromInvite(c.ID(), invite))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b Invitation) int {
		if a.Timestamp != b.Timestamp {
			if a.Timestamp < b.Timestamp {
				return -1
			}
			return 1
		}
		return a.MessageID.Compare(b.MessageID)
	})
	return res, nil
}

// GetInvitationMessages returns the messages exchanged with the contact that
// are shown to the user, ordered by timestamp.
func (m *Manager) GetInvitationMessages(ctx context.Context, contactID rpc.ContactID) ([]InvitationMessage, error) {
	var res []InvitationMessage
	err := m.db.View(ctx, func(tx invitationdb.ReadTx) error {
		c, err := m.db.GetContact(tx, contactID)
		if err != nil {
			return err
		}
		entries, err := m.db.ListMessageMetadata(tx, c.ContactGroupID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.Meta.Visible {
				continue
			}
			im := InvitationMessage{
				ID:                e.ID,
				Contact:           contactID,
				Type:              e.Meta.Type,
				PrivateGroupID:    e.Meta.PrivateGroupID,
				Timestamp:         e.Meta.Timestamp,
				Local:             e.Meta.Local,
				Read:              e.Meta.Read,
				AvailableToAnswer: e.Meta.AvailableToAnswer,
			}
			if e.Meta.Type == rpc.MessageTypeInvite {
				msg, err := loadMessage(m.db, tx, c.ContactGroupID, e.ID)
				if err != nil {
					return err
				}
				if invite, ok := msg.(rpc.InviteMessage); ok {
					im.GroupName = invite.GroupName
					im.Text = invite.Text
				}
			}
			res = append(res, im)
		}
		return nil
	})
	return res, err
}
