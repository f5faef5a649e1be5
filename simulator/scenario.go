package simulator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/companyzero/groupinvite/internal/jsonfile"
	"github.com/companyzero/groupinvite/invitation"
	"github.com/companyzero/groupinvite/rpc"
	"github.com/companyzero/groupinvite/simulator/settings"
)

// reportFiles names the files where round reports are stored.
var reportFiles = jsonfile.NewSequence("round-", ".json")

// idleTimeout is how long to wait for the network to deliver every pending
// message before giving up on a round.
const idleTimeout = 30 * time.Second

// RoundReport summarizes one round of the scenario.
type RoundReport struct {
	Round    int         `json:"round"`
	GroupID  rpc.GroupID `json:"group_id"`
	Creator  string      `json:"creator"`
	Invited  int         `json:"invited"`
	Lost     int         `json:"lost"`
	Accepted int         `json:"accepted"`
	Declined int         `json:"declined"`

	// Joined is the number of invitees the creator shares the group with.
	Joined int `json:"joined"`

	// PeersJoined is the number of ordered member pairs that share the
	// group with each other.
	PeersJoined int `json:"peers_joined"`

	// Aborted is the number of sessions in the error state.
	Aborted int `json:"aborted"`
}

func (s *Simulator) waitIdle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, idleTimeout)
	defer cancel()
	return s.net.WaitIdle(ctx)
}

func (s *Simulator) nextInviteTimestamp() int64 {
	s.lastInviteTS = max(s.lastInviteTS+1, time.Now().UnixMilli())
	return s.lastInviteTS
}

// countState adds 1 to *count if the session of n with other for the group
// is in the given state. Sessions in the error state are added to *aborted.
func countState(ctx context.Context, n, other *node, groupID rpc.GroupID,
	state string, count, aborted *int) error {

	sess, err := n.mgr.SessionState(ctx, other.ID(), groupID)
	if errors.Is(err, invitation.ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	// Every role names its error state the same.
	switch sess.StateName() {
	case state:
		*count++
	case string(invitation.PeerError):
		*aborted++
	}
	return nil
}

// runRound runs one round of the scenario: a node creates a group, invites
// everyone else, the members that accepted reveal themselves to each other
// and finally the creator dissolves the group.
func (s *Simulator) runRound(ctx context.Context, round int) (RoundReport, error) {
	start := time.Now()
	creator := s.nodes[round%len(s.nodes)]
	rep := RoundReport{Round: round, Creator: creator.name}

	name := fmt.Sprintf("%s #%d", s.cfg.GroupName, round)
	g, err := creator.mgr.CreatePrivateGroup(ctx, name)
	if err != nil {
		return rep, err
	}
	rep.GroupID = g.ID

	var invitees []*node
	for _, n := range s.nodes {
		if n == creator {
			continue
		}
		ts := s.nextInviteTimestamp()
		sig, err := creator.mgr.SignInvitation(ctx, n.ID(), g.ID, ts)
		if err != nil {
			return rep, err
		}
		err = creator.mgr.SendInvitation(ctx, g.ID, n.ID(), s.cfg.InviteText, ts, sig)
		if err != nil {
			return rep, err
		}
		invitees = append(invitees, n)
		rep.Invited++
	}
	if err := s.waitIdle(ctx); err != nil {
		return rep, err
	}

	var members []*node
	for _, n := range invitees {
		invites, err := n.mgr.GetInvitations(ctx)
		if err != nil {
			return rep, err
		}
		var found bool
		for _, inv := range invites {
			found = found || inv.Group.ID == g.ID
		}
		if !found {
			rep.Lost++
			s.stats.invitations.WithLabelValues("lost").Inc()
			continue
		}

		accept := s.rng.Float64() >= s.cfg.DeclineRate
		if err := n.mgr.RespondToInvitation(ctx, creator.ID(), g.ID, accept); err != nil {
			return rep, err
		}
		if accept {
			members = append(members, n)
			rep.Accepted++
			s.stats.invitations.WithLabelValues("accepted").Inc()
		} else {
			rep.Declined++
			s.stats.invitations.WithLabelValues("declined").Inc()
		}
	}
	if err := s.waitIdle(ctx); err != nil {
		return rep, err
	}

	// Members learn of each other and reveal their relationship in a
	// random order.
	type pair struct{ a, b *node }
	var pairs []pair
	for _, a := range members {
		for _, b := range members {
			if a == b {
				continue
			}
			if err := a.mgr.AddingMember(ctx, g.ID, b.ID()); err != nil {
				return rep, err
			}
			pairs = append(pairs, pair{a: a, b: b})
		}
	}
	s.rng.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })
	for _, p := range pairs {
		err := p.a.mgr.RevealRelationship(ctx, p.b.ID(), g.ID)
		if errors.Is(err, invitation.ErrInvalidState) {
			s.log.Debugf("%s cannot reveal itself to %s: %v", p.a.name,
				p.b.name, err)
			continue
		}
		if err != nil {
			return rep, err
		}
	}
	if err := s.waitIdle(ctx); err != nil {
		return rep, err
	}

	for _, n := range invitees {
		err := countState(ctx, creator, n, g.ID, string(invitation.CreatorJoined),
			&rep.Joined, &rep.Aborted)
		if err != nil {
			return rep, err
		}
	}
	for _, p := range pairs {
		err := countState(ctx, p.a, p.b, g.ID, string(invitation.PeerBothJoined),
			&rep.PeersJoined, &rep.Aborted)
		if err != nil {
			return rep, err
		}
	}

	if err := creator.mgr.RemovingGroup(ctx, g.ID); err != nil {
		return rep, err
	}
	if err := s.waitIdle(ctx); err != nil {
		return rep, err
	}

	s.stats.rounds.Inc()
	s.stats.roundDuration.Observe(time.Since(start).Seconds())
	s.stats.peersJoined.Set(float64(rep.PeersJoined))
	s.log.Infof("Round %d by %s: %d invited, %d lost, %d accepted, %d declined, "+
		"%d joined, %d/%d peer pairs joined, %d aborted", round, creator.name,
		rep.Invited, rep.Lost, rep.Accepted, rep.Declined, rep.Joined,
		rep.PeersJoined, len(pairs), rep.Aborted)
	return rep, nil
}

// firstRound returns the number of the next round, which follows the last
// report stored by a previous run.
func (s *Simulator) firstRound() (int, error) {
	last, err := reportFiles.Last(filepath.Join(s.cfg.Root, settings.ReportsDir))
	if err != nil {
		return 0, err
	}
	return int(last) + 1, nil
}

func (s *Simulator) storeReport(rep RoundReport) error {
	fname := filepath.Join(s.cfg.Root, settings.ReportsDir,
		reportFiles.Name(uint64(rep.Round)))
	if err := jsonfile.Write(fname, rep, s.log); err != nil {
		return fmt.Errorf("unable to store report of round %d: %w", rep.Round, err)
	}
	s.reportsMtx.Lock()
	s.reports = append(s.reports, rep)
	s.reportsMtx.Unlock()
	return nil
}

// runScenario connects every node and runs the configured number of rounds.
func (s *Simulator) runScenario(ctx context.Context) error {
	if err := s.connectNodes(ctx); err != nil {
		return err
	}

	first, err := s.firstRound()
	if err != nil {
		return err
	}
	if first > 1 {
		s.log.Infof("Resuming scenario at round %d", first)
	}

	for i := 0; s.cfg.Rounds == 0 || i < s.cfg.Rounds; i++ {
		if i > 0 {
			select {
			case <-time.After(s.cfg.RoundInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		round := first + i
		rep, err := s.runRound(ctx, round)
		if err != nil {
			return fmt.Errorf("round %d failed: %w", round, err)
		}
		if err := s.storeReport(rep); err != nil {
			return err
		}
	}
	return nil
}
