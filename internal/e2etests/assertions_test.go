package e2etests

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/companyzero/groupinvite/invitation"
	"github.com/companyzero/groupinvite/invitation/invitationdb"
	"github.com/companyzero/groupinvite/rpc"
	"github.com/davecgh/go-spew/spew"
)

// assertSessionState asserts that the session of c with other for the group
// reaches the given state.
func assertSessionState(t testing.TB, c, other *testClient, groupID rpc.GroupID, want string) {
	t.Helper()
	var sess invitation.Session
	var err error
	for i := 0; i < 100; i++ {
		sess, err = c.SessionState(context.Background(), other.ID(), groupID)
		if err == nil && sess.StateName() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("%s has no session with %s: %v", c.name, other.name, err)
	}
	t.Fatalf("unexpected state of %s session of %s with %s: got %s, want %s\n%s",
		sess.Role(), c.name, other.name, sess.StateName(), want, spew.Sdump(sess))
}

// assertGroupShared asserts whether c shares the group contents with other.
func assertGroupShared(t testing.TB, c, other *testClient, groupID rpc.GroupID, want bool) {
	t.Helper()
	var shared bool
	err := c.db.View(context.Background(), func(tx invitationdb.ReadTx) error {
		var err error
		shared, err = c.db.GetGroupVisibility(tx, other.ID(), groupID)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if shared != want {
		t.Fatalf("unexpected visibility of group %s for %s at %s: got %v, want %v",
			groupID, other.name, c.name, shared, want)
	}
}

// assertSubscribed asserts whether c has a local copy of the group, and
// whether it is dissolved.
func assertSubscribed(t testing.TB, c *testClient, groupID rpc.GroupID, wantDissolved bool) {
	t.Helper()
	var g *rpc.PrivateGroup
	err := c.db.View(context.Background(), func(tx invitationdb.ReadTx) error {
		var err error
		g, err = c.db.GetPrivateGroup(tx, groupID)
		return err
	})
	if err != nil {
		t.Fatalf("%s is not subscribed to group %s: %v", c.name, groupID, err)
	}
	if g.Dissolved != wantDissolved {
		t.Fatalf("unexpected dissolved flag of group %s at %s: got %v, want %v",
			groupID, c.name, g.Dissolved, wantDissolved)
	}
}

// assertPendingInvitations asserts the number of invitations c has not
// answered yet.
func assertPendingInvitations(t testing.TB, c *testClient, want int) []invitation.Invitation {
	t.Helper()
	invites, err := c.GetInvitations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(invites) != want {
		t.Fatalf("unexpected nb of pending invitations at %s: got %d, want %d\n%s",
			c.name, len(invites), want, spew.Sdump(invites))
	}
	return invites
}

// assertMessageTypes asserts the types of the messages c shows for its
// conversation with other.
func assertMessageTypes(t testing.TB, c, other *testClient, want ...rpc.MessageType) {
	t.Helper()
	msgs, err := c.GetInvitationMessages(context.Background(), other.ID())
	if err != nil {
		t.Fatal(err)
	}
	got := make([]rpc.MessageType, len(msgs))
	for i := range msgs {
		got[i] = msgs[i].Type
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected messages at %s with %s: got %v, want %v",
			c.name, other.name, got, want)
	}
}

func testRand(t testing.TB) *rand.Rand {
	seed := time.Now().UnixNano()
	rnd := rand.New(rand.NewSource(seed))
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("Seed: %d", seed)
		}
	})

	return rnd
}
