package invitation

import (
	"encoding/json"
	"fmt"

	"github.com/companyzero/groupinvite/rpc"
)

// Role is the side of the protocol a session runs. It is fixed for the
// lifetime of a session.
type Role string

const (
	RoleCreator Role = "creator"
	RoleInvitee Role = "invitee"
	RolePeer    Role = "peer"
)

// CreatorState is the state of a session run by the creator of a group with
// an invited contact.
type CreatorState string

const (
	CreatorStart     CreatorState = "start"
	CreatorInvited   CreatorState = "invited"
	CreatorJoined    CreatorState = "joined"
	CreatorLeft      CreatorState = "left"
	CreatorDissolved CreatorState = "dissolved"
	CreatorError     CreatorState = "error"
)

// InviteeState is the state of a session run by a contact invited into a
// group.
type InviteeState string

const (
	InviteeStart     InviteeState = "start"
	InviteeInvited   InviteeState = "invited"
	InviteeJoined    InviteeState = "joined"
	InviteeLeft      InviteeState = "left"
	InviteeDissolved InviteeState = "dissolved"
	InviteeError     InviteeState = "error"
)

// PeerState is the state of a session between two members of a group that are
// also contacts. The joined states track whether each side has revealed its
// membership to the other.
type PeerState string

const (
	PeerStart         PeerState = "start"
	PeerAwaitMember   PeerState = "await_member"
	PeerNeitherJoined PeerState = "neither_joined"
	PeerLocalJoined   PeerState = "local_joined"
	PeerRemoteJoined  PeerState = "remote_joined"
	PeerBothJoined    PeerState = "both_joined"
	PeerError         PeerState = "error"
)

// SessionBase holds the fields shared by sessions of every role.
//
// LastRemoteMessageID is the id of the last accepted message received from
// the contact. Every JOIN or LEAVE received must declare it as its previous
// message. A zero id means no message was sent or accepted yet.
type SessionBase struct {
	ContactGroupID      rpc.GroupID   `json:"contact_group_id"`
	PrivateGroupID      rpc.GroupID   `json:"private_group_id"`
	LastLocalMessageID  rpc.MessageID `json:"last_local_message_id"`
	LastRemoteMessageID rpc.MessageID `json:"last_remote_message_id"`
	LocalTimestamp      int64         `json:"local_timestamp"`
}

// Base returns the common session fields.
func (b SessionBase) Base() SessionBase {
	return b
}

// SessionID is the id under which the session is stored in the contact
// group.
func (b SessionBase) SessionID() rpc.SessionID {
	return rpc.SessionIDFor(b.PrivateGroupID)
}

// Session is one of CreatorSession, InviteeSession or PeerSession. Sessions
// are values: protocol transitions return modified copies.
type Session interface {
	Base() SessionBase
	Role() Role
	StateName() string
	Terminal() bool
	isSession()
}

// CreatorSession is the session of a group creator with an invited contact.
type CreatorSession struct {
	SessionBase
	InviteTimestamp int64        `json:"invite_timestamp"`
	State           CreatorState `json:"state"`
}

func (CreatorSession) Role() Role          { return RoleCreator }
func (s CreatorSession) StateName() string { return string(s.State) }
func (CreatorSession) isSession()          {}
func (s CreatorSession) Terminal() bool {
	return s.State == CreatorDissolved || s.State == CreatorError
}

// InviteeSession is the session of an invited contact with the group creator.
type InviteeSession struct {
	SessionBase
	InviteTimestamp int64        `json:"invite_timestamp"`
	State           InviteeState `json:"state"`
}

func (InviteeSession) Role() Role          { return RoleInvitee }
func (s InviteeSession) StateName() string { return string(s.State) }
func (InviteeSession) isSession()          {}
func (s InviteeSession) Terminal() bool {
	return s.State == InviteeDissolved || s.State == InviteeError
}

// PeerSession is the session between two members of a group.
type PeerSession struct {
	SessionBase
	State PeerState `json:"state"`
}

func (PeerSession) Role() Role          { return RolePeer }
func (s PeerSession) StateName() string { return string(s.State) }
func (PeerSession) isSession()          {}
func (s PeerSession) Terminal() bool    { return s.State == PeerError }

func newBase(contactGroupID, privateGroupID rpc.GroupID) SessionBase {
	return SessionBase{ContactGroupID: contactGroupID, PrivateGroupID: privateGroupID}
}

func newCreatorSession(contactGroupID, privateGroupID rpc.GroupID) CreatorSession {
	return CreatorSession{SessionBase: newBase(contactGroupID, privateGroupID), State: CreatorStart}
}

func newInviteeSession(contactGroupID, privateGroupID rpc.GroupID) InviteeSession {
	return InviteeSession{SessionBase: newBase(contactGroupID, privateGroupID), State: InviteeStart}
}

func newPeerSession(contactGroupID, privateGroupID rpc.GroupID) PeerSession {
	return PeerSession{SessionBase: newBase(contactGroupID, privateGroupID), State: PeerStart}
}

// sessionRecord is the stored form of a session. The role selects how the
// session is decoded.
type sessionRecord struct {
	Role    Role            `json:"role"`
	Session json.RawMessage `json:"session"`
}

func encodeSession(s Session) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sessionRecord{Role: s.Role(), Session: b})
}

func decodeSession(b []byte) (Session, error) {
	var rec sessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("unable to decode session record: %w", err)
	}

	var s Session
	var err error
	switch rec.Role {
	case RoleCreator:
		var cs CreatorSession
		err = json.Unmarshal(rec.Session, &cs)
		s = cs
	case RoleInvitee:
		var is InviteeSession
		err = json.Unmarshal(rec.Session, &is)
		s = is
	case RolePeer:
		var ps PeerSession
		err = json.Unmarshal(rec.Session, &ps)
		s = ps
	default:
		return nil, fmt.Errorf("unknown session role %q", rec.Role)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to decode %s session: %w", rec.Role, err)
	}
	return s, nil
}
