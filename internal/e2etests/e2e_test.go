package e2etests

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/companyzero/groupinvite/internal/assert"
	"github.com/companyzero/groupinvite/internal/memsync"
	"github.com/companyzero/groupinvite/internal/testutils"
	"github.com/companyzero/groupinvite/invitation"
	"github.com/companyzero/groupinvite/invitation/invitationdb"
	"github.com/companyzero/groupinvite/rpc"
	"github.com/companyzero/groupinvite/zkidentity"
	"github.com/decred/slog"
)

type testScaffoldCfg struct {
	showLog bool

	// netOpts are passed to the in-memory sync network.
	netOpts []memsync.Option
}

// ntfnChans receives the notifications of one client.
type ntfnChans struct {
	received  chan invitation.Invitation
	responses chan bool
	succeeded chan invitation.Role
	aborted   chan invitation.Role
}

type testClient struct {
	*invitation.Manager
	name  string
	id    *zkidentity.FullIdentity
	db    *invitationdb.DB
	node  *memsync.Node
	ntfns ntfnChans
}

func (tc *testClient) ID() rpc.ContactID {
	return tc.id.Public.Identity
}

// testScaffold holds the clients of an E2E test and the in-memory network
// that moves messages between them.
type testScaffold struct {
	t       testing.TB
	cfg     testScaffoldCfg
	showLog bool

	ctx    context.Context
	cancel func()

	net     *memsync.Network
	netRunC chan error
	running bool

	// clock is the timestamp of the last invitation sent in the test.
	clock int64
}

func (ts *testScaffold) logBackend(name, rootDir string) func(subsys string) slog.Logger {
	if ts.showLog {
		return testutils.TestLoggerBackend(ts.t, name)
	}

	logf, err := os.Create(filepath.Join(rootDir, "applog.log"))
	if err != nil {
		ts.t.Fatalf("unable to create log file: %v", err)
	}
	bknd := slog.NewBackend(logf)
	ts.t.Cleanup(func() { logf.Close() })
	return func(subsys string) slog.Logger {
		logger := bknd.Logger(subsys)
		logger.SetLevel(slog.LevelTrace)
		return logger
	}
}

// newClient instantiates a new client with its own on-disk db. This MUST be
// called only from the main test goroutine and before the scaffold runs.
func (ts *testScaffold) newClient(name string) *testClient {
	ts.t.Helper()
	if name == "" {
		ts.t.Fatal("name cannot be empty")
	}
	if ts.running {
		ts.t.Fatal("clients must be created before the network runs")
	}

	rootDir := testutils.TempTestDir(ts.t, "gi-client-"+name+"-")
	logBknd := ts.logBackend(name, rootDir)

	db, err := invitationdb.Open(ts.ctx, invitationdb.Config{
		Root:   filepath.Join(rootDir, "db"),
		Logger: logBknd("IVDB"),
	})
	assert.NilErr(ts.t, err)
	dbRunC := make(chan error, 1)
	go func() { dbRunC <- db.Run(ts.ctx) }()
	ts.t.Cleanup(func() {
		ts.cancel()
		assert.ChanWritten(ts.t, dbRunC)
	})

	id, err := zkidentity.New(name)
	assert.NilErr(ts.t, err)

	node := ts.net.AddNode(id.Public.Identity)
	mgr, err := invitation.NewManager(invitation.Config{
		DB:      db,
		LocalID: id,
		Sender:  node,
		Logger:  logBknd("GINV"),
	})
	assert.NilErr(ts.t, err)
	node.SetReceiver(mgr)

	tc := &testClient{
		Manager: mgr,
		name:    name,
		id:      id,
		db:      db,
		node:    node,
		ntfns: ntfnChans{
			received:  make(chan invitation.Invitation, 10),
			responses: make(chan bool, 10),
			succeeded: make(chan invitation.Role, 10),
			aborted:   make(chan invitation.Role, 10),
		},
	}
	nmgr := mgr.NotificationManager()
	nmgr.Register(invitation.OnInvitationReceivedNtfn(func(_ *invitationdb.Contact, inv invitation.Invitation) {
		tc.ntfns.received <- inv
	}))
	nmgr.Register(invitation.OnInvitationResponseNtfn(func(_ *invitationdb.Contact, _ rpc.GroupID, accepted bool) {
		tc.ntfns.responses <- accepted
	}))
	nmgr.Register(invitation.OnInvitationSucceededNtfn(func(_ *invitationdb.Contact, _ rpc.GroupID, role invitation.Role) {
		tc.ntfns.succeeded <- role
	}))
	nmgr.Register(invitation.OnInvitationAbortedNtfn(func(_ *invitationdb.Contact, _ rpc.GroupID, role invitation.Role) {
		tc.ntfns.aborted <- role
	}))
	return tc
}

// run starts delivering messages between the clients created so far.
func (ts *testScaffold) run() {
	ts.t.Helper()
	ts.running = true
	go func() { ts.netRunC <- ts.net.Run(ts.ctx) }()
	ts.t.Cleanup(func() {
		ts.cancel()
		err := assert.ChanWritten(ts.t, ts.netRunC)
		assert.ErrorIs(ts.t, err, context.Canceled)
	})
}

// waitIdle waits until every message sent so far has been processed by its
// receiver.
func (ts *testScaffold) waitIdle() {
	ts.t.Helper()
	ctx, cancel := context.WithTimeout(ts.ctx, 10*time.Second)
	defer cancel()
	assert.NilErr(ts.t, ts.net.WaitIdle(ctx))
}

// connectClients makes the clients contacts of each other.
func (ts *testScaffold) connectClients(a, b *testClient) {
	ts.t.Helper()
	assert.NilErr(ts.t, a.AddingContact(ts.ctx, b.id.Public, b.name))
	assert.NilErr(ts.t, b.AddingContact(ts.ctx, a.id.Public, a.name))
}

// inviteToGroup sends an invitation for the group from the creator to the
// contact and returns its timestamp.
func (ts *testScaffold) inviteToGroup(creator, contact *testClient, g rpc.PrivateGroup, text string) int64 {
	ts.t.Helper()
	ts.clock = max(ts.clock+1, time.Now().UnixMilli())
	sig, err := creator.SignInvitation(ts.ctx, contact.ID(), g.ID, ts.clock)
	assert.NilErr(ts.t, err)
	err = creator.SendInvitation(ts.ctx, g.ID, contact.ID(), text, ts.clock, sig)
	assert.NilErr(ts.t, err)
	return ts.clock
}

// joinGroup runs the invite and accept flow between the creator and the
// contact.
func (ts *testScaffold) joinGroup(creator, contact *testClient, g rpc.PrivateGroup) {
	ts.t.Helper()
	ts.inviteToGroup(creator, contact, g, "")
	inv := assert.ChanWritten(ts.t, contact.ntfns.received)
	assert.DeepEqual(ts.t, inv.Group.ID, g.ID)
	assert.NilErr(ts.t, contact.RespondToInvitation(ts.ctx, creator.ID(), g.ID, true))
	assert.DeepEqual(ts.t, assert.ChanWritten(ts.t, creator.ntfns.responses), true)
	assert.DeepEqual(ts.t, assert.ChanWritten(ts.t, creator.ntfns.succeeded), invitation.RoleCreator)
	assert.DeepEqual(ts.t, assert.ChanWritten(ts.t, contact.ntfns.succeeded), invitation.RoleInvitee)
	ts.waitIdle()
}

func newTestScaffold(t *testing.T, cfg testScaffoldCfg) *testScaffold {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts := cfg.netOpts
	if cfg.showLog {
		opts = append(opts, memsync.WithLogger(testutils.TestLoggerSys(t, "SYNC")))
	}

	ts := &testScaffold{
		t:       t,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		net:     memsync.New(opts...),
		netRunC: make(chan error, 1),
		showLog: cfg.showLog,
	}
	return ts
}
