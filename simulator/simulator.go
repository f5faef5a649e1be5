// Package simulator runs a set of simulated clients that exercise the group
// invitation protocol against each other over an in-memory network.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/companyzero/groupinvite/internal/jsonfile"
	"github.com/companyzero/groupinvite/internal/lockfile"
	"github.com/companyzero/groupinvite/internal/memsync"
	"github.com/companyzero/groupinvite/invitation"
	"github.com/companyzero/groupinvite/invitation/invitationdb"
	"github.com/companyzero/groupinvite/rpc"
	"github.com/companyzero/groupinvite/simulator/settings"
	"github.com/companyzero/groupinvite/zkidentity"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// errScenarioDone stops the simulator once every round has run.
var errScenarioDone = errors.New("scenario done")

// rpcLogOnce guards the rpc package logger, which is process wide.
var rpcLogOnce sync.Once

// node is one simulated client.
type node struct {
	name string
	id   *zkidentity.FullIdentity
	db   *invitationdb.DB
	mgr  *invitation.Manager
	sync *memsync.Node
	log  slog.Logger
}

func (n *node) ID() rpc.ContactID {
	return n.id.Public.Identity
}

// Simulator drives the scripted scenario across its nodes.
type Simulator struct {
	cfg     *settings.Settings
	logBknd *logBackend
	log     slog.Logger
	stats   *stats
	net     *memsync.Network

	// rng is only used by the scenario goroutine.
	rng  *rand.Rand
	seed int64

	dropMtx sync.Mutex
	dropRng *rand.Rand

	nodes        []*node
	lastInviteTS int64

	reportsMtx sync.Mutex
	reports    []RoundReport
}

// New creates a new simulator.
func New(cfg *settings.Settings) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logBknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.LogStdOut)
	if err != nil {
		return nil, err
	}
	rpcLogOnce.Do(func() { rpc.SetLog(logBknd.logger("RPC")) })

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Simulator{
		cfg:     cfg,
		logBknd: logBknd,
		log:     logBknd.logger("GSIM"),
		stats:   newStats(),
		rng:     rand.New(rand.NewSource(seed)),
		seed:    seed,
		dropRng: rand.New(rand.NewSource(seed + 1)),
	}

	netOpts := []memsync.Option{memsync.WithLogger(logBknd.logger("SYNC"))}
	if cfg.DropRate > 0 {
		netOpts = append(netOpts, memsync.WithFilter(s.dropFilter))
	}
	if cfg.Duplicates {
		netOpts = append(netOpts, memsync.WithDuplicates())
	}
	s.net = memsync.New(netOpts...)
	return s, nil
}

func (s *Simulator) dropFilter(from, to rpc.ContactID, msg rpc.Message) bool {
	s.dropMtx.Lock()
	drop := s.dropRng.Float64() < s.cfg.DropRate
	s.dropMtx.Unlock()
	return !drop
}

// Reports returns the reports of the rounds run so far.
func (s *Simulator) Reports() []RoundReport {
	s.reportsMtx.Lock()
	defer s.reportsMtx.Unlock()
	return append([]RoundReport(nil), s.reports...)
}

// loadIdentity reads the identity stored in fname, creating a new one if
// the file does not exist.
func (s *Simulator) loadIdentity(fname, name string) (*zkidentity.FullIdentity, error) {
	id := new(zkidentity.FullIdentity)
	err := jsonfile.Read(fname, id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, jsonfile.ErrNotFound) {
		return nil, err
	}

	if id, err = zkidentity.New(name); err != nil {
		return nil, err
	}
	if err := jsonfile.Write(fname, id, s.log); err != nil {
		return nil, err
	}
	s.log.Debugf("Created identity %s for %s", id.Public.Identity, name)
	return id, nil
}

func (s *Simulator) openNode(ctx context.Context, i int) (*node, error) {
	name := fmt.Sprintf("node%02d", i)
	dir := filepath.Join(s.cfg.Root, settings.NodesDir, name)
	id, err := s.loadIdentity(filepath.Join(dir, settings.IdentityFilename), name)
	if err != nil {
		return nil, err
	}

	dbCfg := invitationdb.Config{
		Backend: invitationdb.BackendLevelDB,
		Root:    filepath.Join(dir, settings.DBDir),
		Logger:  s.logBknd.logger(fmt.Sprintf("DB%02d", i)),
	}
	if s.cfg.PGEnabled {
		dbCfg = invitationdb.Config{
			Backend:      invitationdb.BackendPostgres,
			PGHost:       s.cfg.PGHost,
			PGPort:       s.cfg.PGPort,
			PGDBName:     s.cfg.PGDBName,
			PGRole:       s.cfg.PGRoleName,
			PGPassphrase: s.cfg.PGPassphrase,
			PGServerCA:   s.cfg.PGServerCA,
			PGTable:      s.cfg.PGTablePrefix + name,
			Logger:       dbCfg.Logger,
		}
	}
	db, err := invitationdb.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to open db of %s: %w", name, err)
	}

	n := &node{
		name: name,
		id:   id,
		db:   db,
		sync: s.net.AddNode(id.Public.Identity),
		log:  s.logBknd.logger(fmt.Sprintf("GI%02d", i)),
	}
	n.mgr, err = invitation.NewManager(invitation.Config{
		DB:         db,
		LocalID:    id,
		Sender:     n.sync,
		Logger:     n.log,
		Registerer: prometheus.WrapRegistererWith(prometheus.Labels{"node": name}, s.stats.reg),
	})
	if err != nil {
		return nil, err
	}
	n.sync.SetReceiver(n.mgr)
	s.logNtfns(n)
	return n, nil
}

func (s *Simulator) logNtfns(n *node) {
	nmgr := n.mgr.NotificationManager()
	nmgr.Register(invitation.OnInvitationReceivedNtfn(func(c *invitationdb.Contact, inv invitation.Invitation) {
		n.log.Infof("Received invitation to %q from %s", inv.Group.Name, c.Alias)
	}))
	nmgr.Register(invitation.OnInvitationResponseNtfn(func(c *invitationdb.Contact, groupID rpc.GroupID, accepted bool) {
		n.log.Infof("Contact %s responded to invitation to group %s "+
			"(accepted %v)", c.Alias, groupID.ShortLogID(), accepted)
	}))
	nmgr.Register(invitation.OnInvitationSucceededNtfn(func(c *invitationdb.Contact, groupID rpc.GroupID, role invitation.Role) {
		n.log.Debugf("Sharing group %s with %s as %s", groupID.ShortLogID(),
			c.Alias, role)
	}))
	nmgr.Register(invitation.OnInvitationAbortedNtfn(func(c *invitationdb.Contact, groupID rpc.GroupID, role invitation.Role) {
		n.log.Warnf("Protocol with %s for group %s aborted (%s)", c.Alias,
			groupID.ShortLogID(), role)
	}))
}

// connectNodes makes every node a contact of every other node.
func (s *Simulator) connectNodes(ctx context.Context) error {
	for _, a := range s.nodes {
		for _, b := range s.nodes {
			if a == b {
				continue
			}
			err := a.mgr.AddingContact(ctx, b.id.Public, b.name)
			if err != nil && !errors.Is(err, invitationdb.ErrAlreadyExists) {
				return err
			}
		}
	}
	return nil
}

// runPrometheusListener runs the Prometheus metrics endpoint in the given
// address.
func (s *Simulator) runPrometheusListener(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	promHandler := promhttp.InstrumentMetricHandler(
		s.stats.reg, promhttp.HandlerFor(s.stats.reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	s.log.Infof("Exposing prometheus metrics on %s", addr)
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

// Run runs the simulation. It returns nil once the configured number of
// rounds completes.
func (s *Simulator) Run(ctx context.Context) error {
	defer s.logBknd.close()

	// Node identities and dbs must not be shared with another instance.
	lock, err := lockfile.Acquire(ctx, s.cfg.Root)
	if err != nil {
		return err
	}
	defer lock.Release()

	s.log.Infof("Starting simulation with %d nodes (seed %d)", s.cfg.Nodes, s.seed)
	for i := 0; i < s.cfg.Nodes; i++ {
		n, err := s.openNode(ctx, i)
		if err != nil {
			return err
		}
		s.nodes = append(s.nodes, n)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range s.nodes {
		n := n
		g.Go(func() error { return n.db.Run(gctx) })
	}
	g.Go(func() error { return s.net.Run(gctx) })
	if s.cfg.MetricsListen != "" {
		g.Go(func() error { return s.runPrometheusListener(gctx, s.cfg.MetricsListen) })
	}
	g.Go(func() error {
		if err := s.runScenario(gctx); err != nil {
			return err
		}
		return errScenarioDone
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, errScenarioDone) {
		delivered, dropped := s.net.Stats()
		s.log.Infof("Simulation done: %d rounds, %d messages delivered, "+
			"%d dropped", len(s.Reports()), delivered, dropped)
		return nil
	}
	return err
}
