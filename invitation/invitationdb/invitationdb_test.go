package invitationdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/companyzero/groupinvite/internal/assert"
	"github.com/companyzero/groupinvite/internal/testutils"
	"github.com/companyzero/groupinvite/rpc"
	"github.com/companyzero/groupinvite/zkidentity"
)

// runTestDB opens and runs a db with the given config, stopping it at the end
// of the test.
func runTestDB(t testing.TB, cfg Config) *DB {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testutils.TestLoggerSys(t, "IDB")
	}
	ctx, cancel := context.WithCancel(context.Background())
	db, err := Open(ctx, cfg)
	assert.NilErr(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- db.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, assert.ChanWritten(t, runErr), context.Canceled)
	})
	<-db.RunStarted()
	return db
}

func newTestDB(t testing.TB) *DB {
	return runTestDB(t, Config{})
}

func testContact(t testing.TB, local zkidentity.ShortID, name string) Contact {
	t.Helper()
	id := zkidentity.MustNew(name)
	return Contact{
		Identity:       id.Public,
		Alias:          name,
		ContactGroupID: rpc.ContactGroupIDFor(local, id.ID()),
		Added:          time.Unix(1700000000, 0).UTC(),
	}
}

func testMessage(cg rpc.GroupID, ts int64, body string) rpc.Message {
	author := zkidentity.ShortID{0: 0x0a}
	return rpc.Message{
		ID:        rpc.MessageIDFor(cg, author, ts, []byte(body)),
		GroupID:   cg,
		Author:    author,
		Timestamp: ts,
		Body:      []byte(body),
	}
}

func TestContacts(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	local := zkidentity.ShortID{0: 0x01}
	alice := testContact(t, local, "alice")
	bob := testContact(t, local, "bob")

	err := db.Update(ctx, func(tx ReadWriteTx) error {
		assert.NilErr(t, db.AddContact(tx, alice))
		assert.NilErr(t, db.AddContact(tx, bob))
		assert.ErrorIs(t, db.AddContact(tx, alice), ErrAlreadyExists)
		return nil
	})
	assert.NilErr(t, err)

	err = db.View(ctx, func(tx ReadTx) error {
		got, err := db.GetContact(tx, alice.ID())
		assert.NilErr(t, err)
		assert.DeepEqual(t, *got, alice)

		got, err = db.ContactByGroup(tx, bob.ContactGroupID)
		assert.NilErr(t, err)
		assert.DeepEqual(t, *got, bob)

		_, err = db.GetContact(tx, zkidentity.ShortID{})
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := db.ListContacts(tx)
		assert.NilErr(t, err)
		assert.Len(t, all, 2)
		return nil
	})
	assert.NilErr(t, err)
}

// TestRemoveContactCascade ensures removing a contact removes everything in
// its mailbox group and nothing in other mailboxes.
func TestRemoveContactCascade(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	local := zkidentity.ShortID{0: 0x01}
	alice := testContact(t, local, "alice")
	bob := testContact(t, local, "bob")
	pgid := rpc.GroupID{0: 0x10}
	sid := rpc.SessionIDFor(pgid)

	aliceMsg := testMessage(alice.ContactGroupID, 10, "alice")
	bobMsg := testMessage(bob.ContactGroupID, 10, "bob")
	err := db.Update(ctx, func(tx ReadWriteTx) error {
		for _, c := range []Contact{alice, bob} {
			assert.NilErr(t, db.AddContact(tx, c))
			assert.NilErr(t, db.PutSession(tx, c.ContactGroupID, sid, []byte("{}")))
			assert.NilErr(t, db.SetGroupVisibility(tx, c.ID(), pgid, true))
		}
		assert.NilErr(t, db.AddLocalMessage(tx, aliceMsg, rpc.MessageMetadata{}))
		assert.NilErr(t, db.AddRemoteMessage(tx, bobMsg, rpc.MessageMetadata{}))
		return db.RemoveContact(tx, alice.ID())
	})
	assert.NilErr(t, err)

	err = db.View(ctx, func(tx ReadTx) error {
		_, err := db.GetContact(tx, alice.ID())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = db.ContactByGroup(tx, alice.ContactGroupID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = db.GetSession(tx, alice.ContactGroupID, sid)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = db.GetMessage(tx, alice.ContactGroupID, aliceMsg.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		metas, err := db.ListMessageMetadata(tx, alice.ContactGroupID)
		assert.NilErr(t, err)
		assert.Len(t, metas, 0)
		shared, err := db.GetGroupVisibility(tx, alice.ID(), pgid)
		assert.NilErr(t, err)
		assert.BoolIs(t, shared, false)

		// Bob is untouched.
		_, err = db.GetSession(tx, bob.ContactGroupID, sid)
		assert.NilErr(t, err)
		_, err = db.GetMessage(tx, bob.ContactGroupID, bobMsg.ID)
		assert.NilErr(t, err)
		vis, err := db.ListVisibility(tx, pgid)
		assert.NilErr(t, err)
		assert.DeepEqual(t, vis, []rpc.ContactID{bob.ID()})
		return nil
	})
	assert.NilErr(t, err)
}

func TestMessages(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	cg := rpc.GroupID{0: 0x01}
	pgid := rpc.GroupID{0: 0x02}
	m1 := testMessage(cg, 20, "second")
	m2 := testMessage(cg, 10, "first")
	meta := rpc.MessageMetadata{Type: rpc.MessageTypeJoin, PrivateGroupID: pgid}

	err := db.Update(ctx, func(tx ReadWriteTx) error {
		meta1 := meta
		meta1.Timestamp = m1.Timestamp
		meta1.Local = false // Overridden.
		assert.NilErr(t, db.AddLocalMessage(tx, m1, meta1))
		meta2 := meta
		meta2.Timestamp = m2.Timestamp
		meta2.Local = true // Overridden.
		assert.NilErr(t, db.AddRemoteMessage(tx, m2, meta2))
		assert.ErrorIs(t, db.AddRemoteMessage(tx, m2, meta2), ErrAlreadyExists)
		assert.ErrorIs(t, db.UpdateMessageMetadata(tx, cg, rpc.MessageID{}, meta), ErrNotFound)
		return nil
	})
	assert.NilErr(t, err)

	err = db.View(ctx, func(tx ReadTx) error {
		got, err := db.GetMessage(tx, cg, m1.ID)
		assert.NilErr(t, err)
		assert.DeepEqual(t, *got, m1)

		has, err := db.HasMessage(tx, cg, m2.ID)
		assert.NilErr(t, err)
		assert.BoolIs(t, has, true)

		metas, err := db.ListMessageMetadata(tx, cg)
		assert.NilErr(t, err)
		assert.Len(t, metas, 2)
		assert.DeepEqual(t, metas[0].ID, m2.ID)
		assert.BoolIs(t, metas[0].Meta.Local, false)
		assert.DeepEqual(t, metas[1].ID, m1.ID)
		assert.BoolIs(t, metas[1].Meta.Local, true)
		return nil
	})
	assert.NilErr(t, err)

	err = db.Update(ctx, func(tx ReadWriteTx) error {
		md, err := db.GetMessageMetadata(tx, cg, m1.ID)
		assert.NilErr(t, err)
		md.Visible = true
		md.Read = true
		return db.UpdateMessageMetadata(tx, cg, m1.ID, *md)
	})
	assert.NilErr(t, err)
	err = db.View(ctx, func(tx ReadTx) error {
		md, err := db.GetMessageMetadata(tx, cg, m1.ID)
		assert.NilErr(t, err)
		assert.BoolIs(t, md.Visible, true)
		assert.BoolIs(t, md.Read, true)
		return nil
	})
	assert.NilErr(t, err)
}

func TestPrivateGroups(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	creator := zkidentity.MustNew("creator")
	salt := zkidentity.ShortID{0: 0x01}
	g := rpc.PrivateGroup{
		ID:      rpc.PrivateGroupIDFor(creator.ID(), "group", salt),
		Name:    "group",
		Creator: creator.Public,
		Salt:    salt,
	}
	member := rpc.ContactID{0: 0x02}

	err := db.Update(ctx, func(tx ReadWriteTx) error {
		assert.NilErr(t, db.AddPrivateGroup(tx, g))
		assert.ErrorIs(t, db.AddPrivateGroup(tx, g), ErrAlreadyExists)
		assert.NilErr(t, db.AddMember(tx, g.ID, member))
		assert.NilErr(t, db.SetGroupVisibility(tx, member, g.ID, true))
		return db.MarkGroupDissolved(tx, g.ID)
	})
	assert.NilErr(t, err)

	err = db.View(ctx, func(tx ReadTx) error {
		got, err := db.GetPrivateGroup(tx, g.ID)
		assert.NilErr(t, err)
		assert.BoolIs(t, got.Dissolved, true)
		isMember, err := db.IsMember(tx, g.ID, member)
		assert.NilErr(t, err)
		assert.BoolIs(t, isMember, true)
		members, err := db.ListMembers(tx, g.ID)
		assert.NilErr(t, err)
		assert.DeepEqual(t, members, []rpc.ContactID{member})
		groups, err := db.ListPrivateGroups(tx)
		assert.NilErr(t, err)
		assert.Len(t, groups, 1)
		return nil
	})
	assert.NilErr(t, err)

	err = db.Update(ctx, func(tx ReadWriteTx) error {
		assert.NilErr(t, db.SetGroupVisibility(tx, member, g.ID, false))
		shared, err := db.GetGroupVisibility(tx, member, g.ID)
		assert.NilErr(t, err)
		assert.BoolIs(t, shared, false)
		return db.RemovePrivateGroup(tx, g.ID)
	})
	assert.NilErr(t, err)

	err = db.View(ctx, func(tx ReadTx) error {
		sub, err := db.IsSubscribed(tx, g.ID)
		assert.NilErr(t, err)
		assert.BoolIs(t, sub, false)
		isMember, err := db.IsMember(tx, g.ID, member)
		assert.NilErr(t, err)
		assert.BoolIs(t, isMember, false)
		_, err = db.GetPrivateGroup(tx, g.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	assert.NilErr(t, err)
}

// TestUpdateRollback ensures a failed update leaves the db unchanged.
func TestUpdateRollback(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	cg, sid := rpc.GroupID{0: 0x01}, rpc.SessionID{0: 0x02}

	err := db.Update(ctx, func(tx ReadWriteTx) error {
		return db.PutSession(tx, cg, sid, []byte("before"))
	})
	assert.NilErr(t, err)

	errTest := errors.New("test error")
	err = db.Update(ctx, func(tx ReadWriteTx) error {
		assert.NilErr(t, db.PutSession(tx, cg, sid, []byte("after")))

		// Writes are visible inside the transaction.
		got, err := db.GetSession(tx, cg, sid)
		assert.NilErr(t, err)
		assert.DeepEqual(t, string(got), "after")
		return errTest
	})
	assert.ErrorIs(t, err, errTest)

	err = db.View(ctx, func(tx ReadTx) error {
		got, err := db.GetSession(tx, cg, sid)
		assert.NilErr(t, err)
		assert.DeepEqual(t, string(got), "before")
		return nil
	})
	assert.NilErr(t, err)
}

// TestReopenLevelDB ensures data persists across db restarts.
func TestReopenLevelDB(t *testing.T) {
	t.Parallel()

	root := testutils.TempTestDir(t, "invitationdb")
	cg, sid := rpc.GroupID{0: 0x01}, rpc.SessionID{0: 0x02}

	ctx, cancel := context.WithCancel(context.Background())
	db, err := Open(ctx, Config{Root: root})
	assert.NilErr(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- db.Run(ctx) }()
	err = db.Update(ctx, func(tx ReadWriteTx) error {
		return db.PutSession(tx, cg, sid, []byte("data"))
	})
	assert.NilErr(t, err)
	cancel()
	assert.ErrorIs(t, assert.ChanWritten(t, runErr), context.Canceled)

	db = runTestDB(t, Config{Root: root})
	err = db.View(context.Background(), func(tx ReadTx) error {
		sessions, err := db.ListSessions(tx, cg)
		assert.NilErr(t, err)
		assert.DeepEqual(t, sessions, map[rpc.SessionID][]byte{sid: []byte("data")})
		return nil
	})
	assert.NilErr(t, err)
}

func TestViewIsReadOnly(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	err := db.View(context.Background(), func(tx ReadTx) error {
		return tx.kv().Put([]byte("x"), []byte("y"))
	})
	assert.ErrorIs(t, err, errReadOnlyTx)
}
