package invitation

import (
	"fmt"

	"github.com/companyzero/groupinvite/invitation/invitationdb"
	"github.com/companyzero/groupinvite/rpc"
)

// Invitation is a pending invitation received from a contact.
type Invitation struct {
	Contact   rpc.ContactID    `json:"contact"`
	Group     rpc.PrivateGroup `json:"group"`
	Text      string           `json:"text"`
	Timestamp int64            `json:"timestamp"`
	MessageID rpc.MessageID    `json:"message_id"`
}

// InvitationMessage is a protocol message exchanged with a contact that is
// shown to the user.
type InvitationMessage struct {
	ID                rpc.MessageID   `json:"id"`
	Contact           rpc.ContactID   `json:"contact"`
	Type              rpc.MessageType `json:"type"`
	PrivateGroupID    rpc.GroupID     `json:"private_group_id"`
	Timestamp         int64           `json:"timestamp"`
	Local             bool            `json:"local"`
	Read              bool            `json:"read"`
	AvailableToAnswer bool            `json:"available_to_answer"`

	// Filled for invites only.
	GroupName string `json:"group_name,omitempty"`
	Text      string `json:"text,omitempty"`
}

func groupFromInvite(m rpc.InviteMessage) rpc.PrivateGroup {
	return rpc.PrivateGroup{
		ID:      m.PrivateGroupID,
		Name:    m.GroupName,
		Creator: m.Creator,
		Salt:    m.Salt,
	}
}

func invitationFromInvite(contact rpc.ContactID, m rpc.InviteMessage) Invitation {
	return Invitation{
		Contact:   contact,
		Group:     groupFromInvite(m),
		Text:      m.Text,
		Timestamp: m.Timestamp,
		MessageID: m.ID,
	}
}

// loadMessage decodes a stored message of a contact group.
func loadMessage(db *invitationdb.DB, tx invitationdb.ReadTx, contactGroupID rpc.GroupID,
	id rpc.MessageID) (rpc.GroupInvitationMessage, error) {

	raw, err := db.GetMessage(tx, contactGroupID, id)
	if err != nil {
		return nil, err
	}
	msg, err := rpc.DecomposeMessage(*raw, rpc.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("unable to decode stored message %s: %w", id, err)
	}
	return msg, nil
}

// loadInvite returns the invite that led an invitee session into the invited
// state.
func loadInvite(db *invitationdb.DB, tx invitationdb.ReadTx, s InviteeSession) (rpc.InviteMessage, error) {
	msg, err := loadMessage(db, tx, s.ContactGroupID, s.LastRemoteMessageID)
	if err != nil {
		return rpc.InviteMessage{}, err
	}
	invite, ok := msg.(rpc.InviteMessage)
	if !ok {
		return rpc.InviteMessage{}, fmt.Errorf("stored message %s is a %s, not an invite",
			s.LastRemoteMessageID, msg.MessageType())
	}
	return invite, nil
}
