package settings

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

const (
	// The following constants define simulator-related files and dirs.

	NodesDir         = "nodes"
	IdentityFilename = "identity.json"
	DBDir            = "db"
	ReportsDir       = "reports"
)

// Settings is the collection of all gisim settings.  This is separated out
// in order to be able to reuse in various tests.
type Settings struct {
	// default section
	Root string // root directory for gisim

	// scenario section
	Nodes         int           // number of simulated clients
	Rounds        int           // number of rounds to run, 0 runs until stopped
	RoundInterval time.Duration // delay between rounds
	GroupName     string        // base name of the groups created each round
	InviteText    string        // text sent along every invitation
	DeclineRate   float64       // fraction of invitations that are declined
	Seed          int64         // seed of the scenario rng, 0 picks one

	// network section
	Duplicates bool    // deliver every message twice
	DropRate   float64 // fraction of messages dropped by the network

	// log section
	LogFile    string // log filename
	DebugLevel string // debug level config string

	// metrics section
	MetricsListen string // prometheus listen address, empty to disable

	// Postgres config
	PGEnabled     bool
	PGHost        string
	PGPort        string
	PGDBName      string
	PGRoleName    string
	PGPassphrase  string
	PGServerCA    string
	PGTablePrefix string

	// LogStdOut is the stdout to write the log to. Defaults to os.Stdout.
	LogStdOut io.Writer
}

var (
	errIniNotFound = errors.New("not found")
)

// New returns a default settings structure.
func New() *Settings {
	return &Settings{
		// default
		Root: "~/.gisim",

		// scenario
		Nodes:         4,
		Rounds:        1,
		RoundInterval: 5 * time.Second,
		GroupName:     "sim group",
		InviteText:    "join my group",

		// log
		LogFile:    "~/.gisim/gisim.log",
		DebugLevel: "info",

		PGTablePrefix: "gisim_",

		LogStdOut: os.Stdout,
	}
}

// Validate returns an error if the settings cannot be used to run a
// simulation.
func (s *Settings) Validate() error {
	if s.Nodes < 2 {
		return fmt.Errorf("at least 2 nodes are needed")
	}
	if s.Rounds < 0 {
		return fmt.Errorf("rounds cannot be negative")
	}
	if s.DropRate < 0 || s.DropRate >= 1 {
		return fmt.Errorf("droprate must be in the [0, 1) range")
	}
	if s.DeclineRate < 0 || s.DeclineRate > 1 {
		return fmt.Errorf("declinerate must be in the [0, 1] range")
	}
	if strings.TrimSpace(s.GroupName) == "" {
		return fmt.Errorf("groupname cannot be empty")
	}
	return nil
}

// Load retrieves settings from an ini file.  Additionally it expands all ~ to
// the current user home directory.
func (s *Settings) Load(filename string) error {
	// parse file
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	get := func(s *string, section, field string) {
		v, ok := cfg.Get(section, field)
		if ok {
			*s = v
		}
	}

	// obtain current user for directory expansion
	usr, err := user.Current()
	if err != nil {
		return err
	}

	// root directory
	get(&s.Root, "", "root")
	s.Root = strings.Replace(s.Root, "~", usr.HomeDir, 1)

	// scenario
	err = iniInt(cfg, &s.Nodes, "scenario", "nodes")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	err = iniInt(cfg, &s.Rounds, "scenario", "rounds")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	err = iniDuration(cfg, &s.RoundInterval, "scenario", "roundinterval")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	get(&s.GroupName, "scenario", "groupname")
	get(&s.InviteText, "scenario", "invitetext")
	err = iniFloat(cfg, &s.DeclineRate, "scenario", "declinerate")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	var seed int
	err = iniInt(cfg, &seed, "scenario", "seed")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	if err == nil {
		s.Seed = int64(seed)
	}

	// network
	err = iniBool(cfg, &s.Duplicates, "network", "duplicates")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	err = iniFloat(cfg, &s.DropRate, "network", "droprate")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	// logging and debug
	get(&s.LogFile, "log", "logfile")
	s.LogFile = strings.Replace(s.LogFile, "~", usr.HomeDir, 1)
	get(&s.DebugLevel, "log", "debuglevel")

	get(&s.MetricsListen, "metrics", "listen")

	err = iniBool(cfg, &s.PGEnabled, "postgres", "enabled")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	get(&s.PGHost, "postgres", "host")
	get(&s.PGPort, "postgres", "port")
	get(&s.PGDBName, "postgres", "dbname")
	get(&s.PGRoleName, "postgres", "role")
	get(&s.PGPassphrase, "postgres", "pass")
	get(&s.PGServerCA, "postgres", "serverca")
	get(&s.PGTablePrefix, "postgres", "tableprefix")

	return s.Validate()
}

func iniBool(cfg ini.File, p *bool, section, key string) error {
	v, ok := cfg.Get(section, key)
	if ok {
		switch strings.ToLower(v) {
		case "yes":
			*p = true
			return nil
		case "no":
			*p = false
			return nil
		default:
			return fmt.Errorf("[%v]%v must be yes or no",
				section, key)
		}
	}
	return errIniNotFound
}

func iniFloat(cfg ini.File, p *float64, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	var err error
	*p, err = strconv.ParseFloat(v, 64)
	return err
}

func iniInt(cfg ini.File, p *int, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	i64, err := strconv.ParseInt(v, 10, 64)
	if err == nil {
		*p = int(i64)
	}
	return err
}

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	dur, err := strduration.ParseDuration(v)
	if err == nil {
		*p = dur
	}
	return err
}
