package invitation

import (
	"math/rand"
	"testing"

	"github.com/companyzero/groupinvite/internal/assert"
	"github.com/companyzero/groupinvite/internal/testutils"
)

// TestSessionRecords tests that stored sessions decode back into the same
// role and fields.
func TestSessionRecords(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	base := SessionBase{
		ContactGroupID:      testutils.RandomShortID(t, rng),
		PrivateGroupID:      testutils.RandomShortID(t, rng),
		LastLocalMessageID:  testutils.RandomShortID(t, rng),
		LastRemoteMessageID: testutils.RandomShortID(t, rng),
		LocalTimestamp:      1000,
	}

	sessions := []Session{
		CreatorSession{SessionBase: base, InviteTimestamp: 900, State: CreatorJoined},
		InviteeSession{SessionBase: base, InviteTimestamp: 900, State: InviteeDissolved},
		PeerSession{SessionBase: base, State: PeerAwaitMember},
	}
	for _, s := range sessions {
		b, err := encodeSession(s)
		assert.NilErr(t, err)
		got, err := decodeSession(b)
		assert.NilErr(t, err)
		assert.DeepEqual(t, got, s)
	}

	_, err := decodeSession([]byte(`{"role":"moderator","session":{}}`))
	assert.NonNilErr(t, err)
	_, err = decodeSession([]byte(`{"role":`))
	assert.NonNilErr(t, err)
}

// TestSessionTerminal tests which states absorb every further event.
func TestSessionTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    Session
		want bool
	}{
		{s: CreatorSession{State: CreatorInvited}, want: false},
		{s: CreatorSession{State: CreatorDissolved}, want: true},
		{s: CreatorSession{State: CreatorError}, want: true},
		{s: InviteeSession{State: InviteeLeft}, want: false},
		{s: InviteeSession{State: InviteeDissolved}, want: true},
		{s: PeerSession{State: PeerBothJoined}, want: false},
		{s: PeerSession{State: PeerError}, want: true},
	}
	for _, tc := range tests {
		if got := tc.s.Terminal(); got != tc.want {
			t.Fatalf("%s session in state %s: unexpected terminal %v",
				tc.s.Role(), tc.s.StateName(), got)
		}
	}
}

// TestSessionID tests that sessions are keyed by their private group.
func TestSessionID(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	cg1, cg2 := testutils.RandomShortID(t, rng), testutils.RandomShortID(t, rng)
	pg := testutils.RandomShortID(t, rng)

	s1 := newCreatorSession(cg1, pg)
	s2 := newPeerSession(cg2, pg)
	assert.DeepEqual(t, s1.SessionID(), s2.SessionID())
	if s1.SessionID() == pg {
		t.Fatal("session id must not be the private group id")
	}
}
