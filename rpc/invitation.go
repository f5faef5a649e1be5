package rpc

import (
	"fmt"

	"github.com/companyzero/groupinvite/zkidentity"
)

// GroupID identifies either a private group or a contact mailbox group.
type GroupID = zkidentity.ShortID

// MessageID is the content-derived id of a message.
type MessageID = zkidentity.ShortID

// SessionID is the id of an invitation session inside a contact mailbox group.
type SessionID = zkidentity.ShortID

// ContactID is the identity of a remote contact.
type ContactID = zkidentity.ShortID

// MessageType is the kind of a group invitation message.
type MessageType uint8

const (
	MessageTypeInvite MessageType = 0
	MessageTypeJoin   MessageType = 1
	MessageTypeLeave  MessageType = 2
	MessageTypeAbort  MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeInvite:
		return "invite"
	case MessageTypeJoin:
		return "join"
	case MessageTypeLeave:
		return "leave"
	case MessageTypeAbort:
		return "abort"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func parseMessageType(s string) (MessageType, error) {
	switch s {
	case "invite":
		return MessageTypeInvite, nil
	case "join":
		return MessageTypeJoin, nil
	case "leave":
		return MessageTypeLeave, nil
	case "abort":
		return MessageTypeAbort, nil
	default:
		return 0, fmt.Errorf("unknown message type %q", s)
	}
}

// Message is the raw envelope moved between contacts by the sync layer. Body
// is the output of ComposeMessage.
type Message struct {
	ID        MessageID `json:"id"`
	GroupID   GroupID   `json:"group_id"`
	Author    ContactID `json:"author"`
	Timestamp int64     `json:"timestamp"`
	Body      []byte    `json:"body"`
}

// MessageHeader holds the fields common to all group invitation messages.
// ID, ContactGroupID, Author and Timestamp are filled from the envelope when a
// message is decoded and are never read from the payload.
type MessageHeader struct {
	ID             MessageID `json:"-"`
	ContactGroupID GroupID   `json:"-"`
	Author         ContactID `json:"-"`
	Timestamp      int64     `json:"-"`
	PrivateGroupID GroupID   `json:"private_group_id"`
}

// Hdr returns the common message header.
func (h MessageHeader) Hdr() MessageHeader {
	return h
}

// GroupInvitationMessage is one of InviteMessage, JoinMessage, LeaveMessage
// or AbortMessage.
type GroupInvitationMessage interface {
	Hdr() MessageHeader
	MessageType() MessageType
	isGroupInvitationMessage()
}

// InviteMessage is sent by a group creator to invite a contact into a private
// group.
type InviteMessage struct {
	MessageHeader
	GroupName string                        `json:"group_name"`
	Creator   zkidentity.PublicIdentity     `json:"creator"`
	Salt      zkidentity.ShortID            `json:"salt"`
	Text      string                        `json:"text,omitempty"`
	Signature zkidentity.FixedSizeSignature `json:"signature"`
}

func (InviteMessage) MessageType() MessageType  { return MessageTypeInvite }
func (InviteMessage) isGroupInvitationMessage() {}

// JoinMessage accepts an invitation or reveals membership to a peer.
// PreviousMessageID is the sender's last sent message in the session (zero
// when it has not sent any).
type JoinMessage struct {
	MessageHeader
	PreviousMessageID MessageID `json:"previous_message_id"`
}

func (JoinMessage) MessageType() MessageType  { return MessageTypeJoin }
func (JoinMessage) isGroupInvitationMessage() {}

// LeaveMessage declines an invitation, leaves or dissolves a group.
type LeaveMessage struct {
	MessageHeader
	PreviousMessageID MessageID `json:"previous_message_id"`
}

func (LeaveMessage) MessageType() MessageType  { return MessageTypeLeave }
func (LeaveMessage) isGroupInvitationMessage() {}

// AbortMessage signals an unrecoverable protocol disagreement.
type AbortMessage struct {
	MessageHeader
}

func (AbortMessage) MessageType() MessageType  { return MessageTypeAbort }
func (AbortMessage) isGroupInvitationMessage() {}

// MessageMetadata is stored alongside every group invitation message.
type MessageMetadata struct {
	Type              MessageType `json:"type"`
	PrivateGroupID    GroupID     `json:"private_group_id"`
	Timestamp         int64       `json:"timestamp"`
	Local             bool        `json:"local"`
	Read              bool        `json:"read"`
	Visible           bool        `json:"visible"`
	AvailableToAnswer bool        `json:"available_to_answer"`
}

// PrivateGroup is a named group authored by Creator. Its ID is derived from
// its contents with PrivateGroupIDFor.
type PrivateGroup struct {
	ID        GroupID                   `json:"id"`
	Name      string                    `json:"name"`
	Creator   zkidentity.PublicIdentity `json:"creator"`
	Salt      zkidentity.ShortID        `json:"salt"`
	Dissolved bool                      `json:"dissolved"`
}
