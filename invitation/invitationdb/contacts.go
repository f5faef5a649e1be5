package invitationdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/groupinvite/rpc"
	"github.com/companyzero/groupinvite/zkidentity"
)

// Contact is a remote identity along with the mailbox group used to exchange
// invitation messages with it.
type Contact struct {
	Identity       zkidentity.PublicIdentity `json:"identity"`
	Alias          string                    `json:"alias"`
	ContactGroupID rpc.GroupID               `json:"contact_group_id"`
	Added          time.Time                 `json:"added"`
}

// ID returns the identity of the contact.
func (c *Contact) ID() rpc.ContactID {
	return c.Identity.Identity
}

// AddContact stores a new contact and indexes its mailbox group.
func (db *DB) AddContact(tx ReadWriteTx, c Contact) error {
	kv := tx.kv()
	id := c.ID()
	if found, err := exists(kv, key(prefixContact, id)); err != nil {
		return err
	} else if found {
		return fmt.Errorf("contact %s: %w", id, ErrAlreadyExists)
	}
	if err := putJSON(kv, key(prefixContact, id), &c); err != nil {
		return err
	}
	if err := kv.Put(key(prefixContactGroup, c.ContactGroupID), id[:]); err != nil {
		return err
	}
	db.log.Debugf("Added contact %s (%q) with mailbox %s", id.ShortLogID(),
		c.Alias, c.ContactGroupID.ShortLogID())
	return nil
}

// GetContact returns the contact with the given id.
func (db *DB) GetContact(tx ReadTx, id rpc.ContactID) (*Contact, error) {
	var c Contact
	if err := getJSON(tx.kv(), key(prefixContact, id), &c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

// ContactByGroup returns the contact that owns the given mailbox group.
func (db *DB) ContactByGroup(tx ReadTx, contactGroupID rpc.GroupID) (*Contact, error) {
	b, found, err := tx.kv().Get(key(prefixContactGroup, contactGroupID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("contact group %s: %w", contactGroupID, ErrNotFound)
	}
	var id rpc.ContactID
	if err := id.FromBytes(b); err != nil {
		return nil, err
	}
	return db.GetContact(tx, id)
}

// ListContacts returns all contacts, ordered by id.
func (db *DB) ListContacts(tx ReadTx) ([]Contact, error) {
	var res []Contact
	err := tx.kv().Iterate([]byte(prefixContact), func(k, v []byte) error {
		var c Contact
		if err := unmarshalEntry(k, v, &c); err != nil {
			return err
		}
		res = append(res, c)
		return nil
	})
	return res, err
}

// RemoveContact removes the contact along with its mailbox group: every
// session, message and metadata entry in it and every group visibility entry
// shared with the contact.
func (db *DB) RemoveContact(tx ReadWriteTx, id rpc.ContactID) error {
	c, err := db.GetContact(tx, id)
	if err != nil {
		return err
	}

	kv := tx.kv()
	cg := c.ContactGroupID
	prefixes := [][]byte{
		subPrefix(prefixSession, cg),
		subPrefix(prefixMessage, cg),
		subPrefix(prefixMessageMeta, cg),
	}
	for _, p := range prefixes {
		if err := deletePrefix(kv, p); err != nil {
			return err
		}
	}

	// Visibility is keyed by group first.
	err = kv.Iterate([]byte(prefixVisibility), func(k, _ []byte) error {
		contact, err := lastID(k)
		if err != nil {
			return err
		}
		if contact != id {
			return nil
		}
		return kv.Delete(k)
	})
	if err != nil {
		return err
	}

	if err := kv.Delete(key(prefixContactGroup, cg)); err != nil {
		return err
	}
	if err := kv.Delete(key(prefixContact, id)); err != nil {
		return err
	}
	db.log.Debugf("Removed contact %s and mailbox %s", id.ShortLogID(),
		cg.ShortLogID())
	return nil
}
