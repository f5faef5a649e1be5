package simulator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/companyzero/groupinvite/internal/assert"
	"github.com/companyzero/groupinvite/internal/jsonfile"
	"github.com/companyzero/groupinvite/internal/testutils"
	"github.com/companyzero/groupinvite/simulator/settings"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testSettings(t *testing.T, root string) *settings.Settings {
	t.Helper()
	cfg := settings.New()
	cfg.Root = root
	cfg.Nodes = 3
	cfg.Rounds = 2
	cfg.RoundInterval = 0
	cfg.Seed = 1
	cfg.LogFile = filepath.Join(root, "gisim.log")
	cfg.DebugLevel = "debug"
	cfg.LogStdOut = testutils.NewTestLogBackend(t, testutils.WithShowLog(false))
	return cfg
}

func runSimulator(t *testing.T, cfg *settings.Settings) *Simulator {
	t.Helper()
	sim, err := New(cfg)
	assert.NilErr(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	assert.NilErr(t, sim.Run(ctx))
	return sim
}

// TestSimulatorRounds tests running the scenario to completion.
func TestSimulatorRounds(t *testing.T) {
	t.Parallel()
	root := testutils.TempTestDir(t, "gisim")
	cfg := testSettings(t, root)
	sim := runSimulator(t, cfg)

	reports := sim.Reports()
	assert.Len(t, reports, cfg.Rounds)
	for i, rep := range reports {
		assert.DeepEqual(t, rep.Round, i+1)
		assert.DeepEqual(t, rep.Creator, sim.nodes[(i+1)%cfg.Nodes].name)
		assert.DeepEqual(t, rep.Invited, cfg.Nodes-1)
		assert.DeepEqual(t, rep.Accepted, cfg.Nodes-1)
		assert.DeepEqual(t, rep.Joined, cfg.Nodes-1)
		assert.DeepEqual(t, rep.PeersJoined, (cfg.Nodes-1)*(cfg.Nodes-2))
		assert.DeepEqual(t, rep.Lost, 0)
		assert.DeepEqual(t, rep.Aborted, 0)
	}

	if got := testutil.ToFloat64(sim.stats.rounds); got != float64(cfg.Rounds) {
		t.Fatalf("unexpected nb of rounds: %v", got)
	}
	accepted := sim.stats.invitations.WithLabelValues("accepted")
	if got := testutil.ToFloat64(accepted); got != float64(cfg.Rounds*(cfg.Nodes-1)) {
		t.Fatalf("unexpected nb of accepted invitations: %v", got)
	}

	// The manager metrics of every node are exported with a node label.
	n, err := testutil.GatherAndCount(sim.stats.reg, "groupinvite_transitions_total")
	assert.NilErr(t, err)
	if n == 0 {
		t.Fatal("no transition metrics gathered")
	}

	// Every report is stored in the reports dir.
	var stored RoundReport
	fname := filepath.Join(root, settings.ReportsDir, reportFiles.Name(2))
	assert.NilErr(t, jsonfile.Read(fname, &stored))
	assert.DeepEqual(t, stored, reports[1])

	// Restarting reuses the identities and dbs of the nodes and resumes
	// the round count.
	ids := make([]string, len(sim.nodes))
	for i, n := range sim.nodes {
		ids[i] = n.ID().String()
	}
	cfg = testSettings(t, root)
	cfg.Rounds = 1
	sim = runSimulator(t, cfg)
	for i, n := range sim.nodes {
		assert.DeepEqual(t, n.ID().String(), ids[i])
	}
	assert.DeepEqual(t, sim.Reports()[0].Round, 3)
	assert.DeepEqual(t, sim.Reports()[0].Joined, cfg.Nodes-1)
}

// TestSimulatorDeclines tests a scenario where every invitation is declined.
func TestSimulatorDeclines(t *testing.T) {
	t.Parallel()
	cfg := testSettings(t, testutils.TempTestDir(t, "gisim"))
	cfg.Rounds = 1
	cfg.DeclineRate = 1
	cfg.Duplicates = true
	sim := runSimulator(t, cfg)

	rep := sim.Reports()[0]
	assert.DeepEqual(t, rep.Declined, cfg.Nodes-1)
	assert.DeepEqual(t, rep.Joined, 0)
	assert.DeepEqual(t, rep.PeersJoined, 0)
	assert.DeepEqual(t, rep.Aborted, 0)
}

// TestSimulatorCanceled tests that an endless simulation stops with its
// context.
func TestSimulatorCanceled(t *testing.T) {
	t.Parallel()
	cfg := testSettings(t, testutils.TempTestDir(t, "gisim"))
	cfg.Rounds = 0
	cfg.RoundInterval = 10 * time.Millisecond
	sim, err := New(cfg)
	assert.NilErr(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sim.Run(ctx) }()
	for i := 0; i < 500 && len(sim.Reports()) < 2; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	err = assert.ChanWritten(t, runErr)
	assert.ErrorIs(t, err, context.Canceled)
	if len(sim.Reports()) < 2 {
		t.Fatalf("only %d rounds ran", len(sim.Reports()))
	}
}

// TestNewSimulatorErrors tests rejecting unusable settings.
func TestNewSimulatorErrors(t *testing.T) {
	t.Parallel()
	cfg := testSettings(t, testutils.TempTestDir(t, "gisim"))
	cfg.Nodes = 1
	_, err := New(cfg)
	assert.NonNilErr(t, err)

	cfg = testSettings(t, testutils.TempTestDir(t, "gisim"))
	cfg.DebugLevel = "loud"
	_, err = New(cfg)
	if err == nil || !strings.Contains(err.Error(), "loud") {
		t.Fatalf("unexpected error: %v", err)
	}
}
