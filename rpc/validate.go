package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/companyzero/groupinvite/zkidentity"
)

const (
	MaxGroupNameLen   = 100
	MaxInviteTextLen  = 1024
	MaxAuthorNameLen  = 100
	MaxCompressedSize = MaxBodySize

	// InviteSignatureLabel is the label of the creator signature carried by
	// invites.
	InviteSignatureLabel = "groupinvite/invite/v1"
)

// ErrInvalidMessage is wrapped by every error returned by ValidateMessage.
var ErrInvalidMessage = errors.New("invalid group invitation message")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func inviteSigningData(timestamp int64, contactGroupID, privateGroupID GroupID) []byte {
	b := make([]byte, 8, 8+len(contactGroupID)+len(privateGroupID))
	binary.BigEndian.PutUint64(b, uint64(timestamp))
	b = append(b, contactGroupID[:]...)
	return append(b, privateGroupID[:]...)
}

// SignInvite returns the creator signature that authorizes inviting the
// contact of contactGroupID into privateGroupID at the given timestamp.
func SignInvite(id *zkidentity.FullIdentity, timestamp int64, contactGroupID, privateGroupID GroupID) zkidentity.FixedSizeSignature {
	return id.SignLabeled(InviteSignatureLabel,
		inviteSigningData(timestamp, contactGroupID, privateGroupID))
}

// VerifyInvite verifies a signature created with SignInvite.
func VerifyInvite(creator *zkidentity.PublicIdentity, sig *zkidentity.FixedSizeSignature,
	timestamp int64, contactGroupID, privateGroupID GroupID) bool {
	return creator.VerifyLabeled(InviteSignatureLabel,
		inviteSigningData(timestamp, contactGroupID, privateGroupID), sig)
}

// ValidateGroupName checks the length and encoding of a private group name.
func ValidateGroupName(name string) error {
	if !utf8.ValidString(name) {
		return invalidf("group name is not valid utf8")
	}
	if l := len(strings.TrimSpace(name)); l == 0 || len(name) > MaxGroupNameLen {
		return invalidf("group name length %d out of range", l)
	}
	return nil
}

func validateInvite(m *InviteMessage) error {
	if err := ValidateGroupName(m.GroupName); err != nil {
		return err
	}
	if len(m.Text) > MaxInviteTextLen {
		return invalidf("invite text too long (%d)", len(m.Text))
	}
	if !utf8.ValidString(m.Text) {
		return invalidf("invite text is not valid utf8")
	}
	if len(m.Creator.Name) > MaxAuthorNameLen {
		return invalidf("creator name too long (%d)", len(m.Creator.Name))
	}
	if m.Salt.IsEmpty() {
		return invalidf("empty salt")
	}
	if m.Signature.IsEmpty() {
		return invalidf("empty signature")
	}

	// Structure is sane. Check the cryptographic bindings.
	wantPGID := PrivateGroupIDFor(m.Creator.Identity, m.GroupName, m.Salt)
	if !wantPGID.ConstantTimeEq(&m.PrivateGroupID) {
		return invalidf("private group id %s does not match group contents",
			m.PrivateGroupID)
	}
	if !m.Creator.Verify() || !m.Creator.VerifyIdentity() {
		return invalidf("invalid creator identity %s", m.Creator.Identity)
	}
	if !VerifyInvite(&m.Creator, &m.Signature, m.Timestamp, m.ContactGroupID, m.PrivateGroupID) {
		return invalidf("invalid invite signature")
	}
	return nil
}

// ValidateMessage is the entry point for messages received from remote
// contacts. It decodes raw and checks every field of the resulting message.
// On success it returns the message and the metadata to store with it.
//
// The returned metadata is never visible nor available to answer. Those flags
// are only set once a protocol engine accepts the message.
func ValidateMessage(raw Message) (GroupInvitationMessage, MessageMetadata, error) {
	var meta MessageMetadata
	if len(raw.Body) == 0 || len(raw.Body) > MaxCompressedSize {
		return nil, meta, invalidf("body size %d out of range", len(raw.Body))
	}
	if raw.Timestamp <= 0 {
		return nil, meta, invalidf("invalid timestamp %d", raw.Timestamp)
	}
	if raw.Author.IsEmpty() {
		return nil, meta, invalidf("empty author")
	}
	wantID := MessageIDFor(raw.GroupID, raw.Author, raw.Timestamp, raw.Body)
	if !wantID.ConstantTimeEq(&raw.ID) {
		return nil, meta, invalidf("message id %s does not match contents", raw.ID)
	}

	msg, err := DecomposeMessage(raw, MaxBodySize)
	if err != nil {
		return nil, meta, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	hdr := msg.Hdr()
	if hdr.PrivateGroupID.IsEmpty() {
		return nil, meta, invalidf("empty private group id")
	}
	if m, ok := msg.(InviteMessage); ok {
		if err := validateInvite(&m); err != nil {
			return nil, meta, err
		}
	}

	meta = MessageMetadata{
		Type:           msg.MessageType(),
		PrivateGroupID: hdr.PrivateGroupID,
		Timestamp:      hdr.Timestamp,
	}
	return msg, meta, nil
}
