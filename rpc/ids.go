package rpc

import (
	"encoding/binary"

	"github.com/companyzero/groupinvite/zkidentity"
	"lukechampine.com/blake3"
)

const (
	labelPrivateGroup = "privgroup"
	labelContactGroup = "contactgroup"
	labelSession      = "session"
	labelMessage      = "message"
)

// labeledHash returns blake3(label || parts...), with every variable length
// part prefixed by its length.
func labeledHash(label string, parts ...[]byte) zkidentity.ShortID {
	h := blake3.New(32, nil)
	h.Write([]byte(label))
	var l [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(l[:], uint32(len(p)))
		h.Write(l[:])
		h.Write(p)
	}
	var id zkidentity.ShortID
	copy(id[:], h.Sum(nil))
	return id
}

// PrivateGroupIDFor returns the content-derived id of a private group.
func PrivateGroupIDFor(creator zkidentity.ShortID, name string, salt zkidentity.ShortID) GroupID {
	return labeledHash(labelPrivateGroup, creator[:], []byte(name), salt[:])
}

// ContactGroupIDFor returns the id of the mailbox group between identities a
// and b. Both sides derive the same id.
func ContactGroupIDFor(a, b zkidentity.ShortID) GroupID {
	if b.Less(&a) {
		a, b = b, a
	}
	return labeledHash(labelContactGroup, a[:], b[:])
}

// SessionIDFor returns the id of the invitation session for a private group.
func SessionIDFor(privateGroupID GroupID) SessionID {
	return labeledHash(labelSession, privateGroupID[:])
}

// MessageIDFor returns the id of a message posted to groupID by author. Both
// contacts of a mailbox group post to it, so the author is part of the id.
func MessageIDFor(groupID GroupID, author ContactID, timestamp int64, body []byte) MessageID {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	return labeledHash(labelMessage, groupID[:], author[:], ts[:], body)
}
