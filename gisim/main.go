package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/companyzero/groupinvite/simulator"
	"github.com/companyzero/groupinvite/simulator/settings"
)

// summary totals the round reports of a run.
type summary struct {
	rounds      int
	invited     int
	lost        int
	accepted    int
	declined    int
	joined      int
	peersJoined int
	aborted     int
}

func summarize(reports []simulator.RoundReport) summary {
	var sum summary
	for _, r := range reports {
		sum.rounds++
		sum.invited += r.Invited
		sum.lost += r.Lost
		sum.accepted += r.Accepted
		sum.declined += r.Declined
		sum.joined += r.Joined
		sum.peersJoined += r.PeersJoined
		sum.aborted += r.Aborted
	}
	return sum
}

func (sum summary) write(w io.Writer, reportsDir string) {
	fmt.Fprintf(w, "Rounds: %d (reports in %s)\n", sum.rounds, reportsDir)
	if sum.rounds == 0 {
		return
	}
	fmt.Fprintf(w, "Invitations: %d sent, %d lost, %d accepted, %d declined\n",
		sum.invited, sum.lost, sum.accepted, sum.declined)
	fmt.Fprintf(w, "Shared: %d with creators, %d between members\n",
		sum.joined, sum.peersJoined)
	if sum.aborted > 0 {
		fmt.Fprintf(w, "Aborted sessions: %d\n", sum.aborted)
	}
}

func _main() error {
	cfg, err := ObtainSettings()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim, err := simulator.New(cfg)
	if err != nil {
		return err
	}

	// Rounds already completed are reported even when interrupted.
	err = sim.Run(ctx)
	interrupted := errors.Is(err, context.Canceled)
	if err != nil && !interrupted {
		return err
	}

	if interrupted {
		fmt.Fprintln(os.Stderr, "Simulation interrupted")
	}
	summarize(sim.Reports()).write(os.Stdout, filepath.Join(cfg.Root, settings.ReportsDir))
	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
