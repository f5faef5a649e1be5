package e2etests

import (
	"testing"
	"time"

	"github.com/companyzero/groupinvite/internal/assert"
	"github.com/companyzero/groupinvite/invitation"
	"github.com/companyzero/groupinvite/rpc"
)

// TestPeersRevealRelationship tests two members of a group that are also
// contacts revealing their membership to each other at the same time.
func TestPeersRevealRelationship(t *testing.T) {
	t.Parallel()
	tcfg := testScaffoldCfg{}
	ts := newTestScaffold(t, tcfg)
	alice := ts.newClient("alice")
	bob := ts.newClient("bob")
	carol := ts.newClient("carol")
	ts.connectClients(alice, bob)
	ts.connectClients(alice, carol)
	ts.connectClients(bob, carol)
	ts.run()

	g, err := alice.CreatePrivateGroup(ts.ctx, "book club")
	assert.NilErr(t, err)
	ts.joinGroup(alice, bob, g)
	ts.joinGroup(alice, carol, g)

	// Both learn of the other's membership before any join is sent.
	assert.NilErr(t, bob.AddingMember(ts.ctx, g.ID, carol.ID()))
	assert.NilErr(t, carol.AddingMember(ts.ctx, g.ID, bob.ID()))
	assertSessionState(t, bob, carol, g.ID, string(invitation.PeerNeitherJoined))
	assertSessionState(t, carol, bob, g.ID, string(invitation.PeerNeitherJoined))

	assert.NilErr(t, bob.RevealRelationship(ts.ctx, carol.ID(), g.ID))
	assert.NilErr(t, carol.RevealRelationship(ts.ctx, bob.ID(), g.ID))
	ts.waitIdle()

	assertSessionState(t, bob, carol, g.ID, string(invitation.PeerBothJoined))
	assertSessionState(t, carol, bob, g.ID, string(invitation.PeerBothJoined))
	assertGroupShared(t, bob, carol, g.ID, true)
	assertGroupShared(t, carol, bob, g.ID, true)

	// Content sharing is turned on exactly once on each side.
	assert.DeepEqual(t, assert.ChanWritten(t, bob.ntfns.succeeded), invitation.RolePeer)
	assert.DeepEqual(t, assert.ChanWritten(t, carol.ntfns.succeeded), invitation.RolePeer)
	assert.ChanNotWritten(t, bob.ntfns.succeeded, 100*time.Millisecond)
	assert.ChanNotWritten(t, carol.ntfns.succeeded, 100*time.Millisecond)

	// Peer messages are not shown to the user.
	assertMessageTypes(t, bob, carol)

	// Carol hides the relationship again.
	assert.NilErr(t, carol.RemovingGroup(ts.ctx, g.ID))
	ts.waitIdle()
	assertSessionState(t, bob, carol, g.ID, string(invitation.PeerLocalJoined))
	assertSessionState(t, carol, bob, g.ID, string(invitation.PeerRemoteJoined))
	assertGroupShared(t, bob, carol, g.ID, false)
	assertSessionState(t, alice, carol, g.ID, string(invitation.CreatorLeft))
}

// TestPeerJoinBeforeMember tests a join arriving before the receiver learns
// that its sender is a member of the group.
func TestPeerJoinBeforeMember(t *testing.T) {
	t.Parallel()
	tcfg := testScaffoldCfg{}
	ts := newTestScaffold(t, tcfg)
	alice := ts.newClient("alice")
	bob := ts.newClient("bob")
	carol := ts.newClient("carol")
	ts.connectClients(alice, bob)
	ts.connectClients(alice, carol)
	ts.connectClients(bob, carol)
	ts.run()

	g, err := alice.CreatePrivateGroup(ts.ctx, "book club")
	assert.NilErr(t, err)
	ts.joinGroup(alice, bob, g)
	ts.joinGroup(alice, carol, g)

	assert.NilErr(t, bob.AddingMember(ts.ctx, g.ID, carol.ID()))
	assert.NilErr(t, bob.RevealRelationship(ts.ctx, carol.ID(), g.ID))
	ts.waitIdle()
	assertSessionState(t, carol, bob, g.ID, string(invitation.PeerAwaitMember))

	assert.NilErr(t, carol.AddingMember(ts.ctx, g.ID, bob.ID()))
	assertSessionState(t, carol, bob, g.ID, string(invitation.PeerRemoteJoined))
	assert.NilErr(t, carol.RevealRelationship(ts.ctx, bob.ID(), g.ID))
	assert.DeepEqual(t, assert.ChanWritten(t, carol.ntfns.succeeded), invitation.RolePeer)
	assert.DeepEqual(t, assert.ChanWritten(t, bob.ntfns.succeeded), invitation.RolePeer)
	ts.waitIdle()
	assertSessionState(t, bob, carol, g.ID, string(invitation.PeerBothJoined))
	assertSessionState(t, carol, bob, g.ID, string(invitation.PeerBothJoined))
}

// TestManyPeers tests every pair of members of a larger group revealing
// their relationship in random order.
func TestManyPeers(t *testing.T) {
	t.Parallel()
	tcfg := testScaffoldCfg{}
	ts := newTestScaffold(t, tcfg)
	rnd := testRand(t)
	creator := ts.newClient("creator")
	names := []string{"alice", "bob", "carol", "dave", "eve"}
	members := make([]*testClient, len(names))
	for i, name := range names {
		members[i] = ts.newClient(name)
		ts.connectClients(creator, members[i])
	}
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			ts.connectClients(members[i], members[j])
		}
	}
	ts.run()

	g, err := creator.CreatePrivateGroup(ts.ctx, "crowd")
	assert.NilErr(t, err)
	for _, m := range members {
		ts.joinGroup(creator, m, g)
	}

	type pair struct{ from, to *testClient }
	var pairs []pair
	for _, a := range members {
		for _, b := range members {
			if a != b {
				pairs = append(pairs, pair{from: a, to: b})
			}
		}
	}
	rnd.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })
	for _, p := range pairs {
		assert.NilErr(t, p.from.AddingMember(ts.ctx, g.ID, p.to.ID()))
	}
	ts.waitIdle()

	rnd.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })
	for _, p := range pairs {
		assert.NilErr(t, p.from.RevealRelationship(ts.ctx, p.to.ID(), g.ID))
		if rnd.Intn(3) == 0 {
			ts.waitIdle()
		}
	}
	ts.waitIdle()

	for _, p := range pairs {
		assertSessionState(t, p.from, p.to, g.ID, string(invitation.PeerBothJoined))
		assertGroupShared(t, p.from, p.to, g.ID, true)
	}
	for _, m := range members {
		assertMessageTypes(t, m, creator, rpc.MessageTypeInvite, rpc.MessageTypeJoin)
	}
}
