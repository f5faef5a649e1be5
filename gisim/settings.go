package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/companyzero/groupinvite/simulator/settings"
	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/go-homedir"
)

const (
	appVersion    = "0.1.0"
	defaultConfig = "~/.gisim/gisim.conf"
)

type opts struct {
	ConfigFile    string `short:"C" long:"cfg" description:"Path to the config file"`
	Root          string `long:"root" description:"Directory where node identities and dbs are stored"`
	Nodes         int    `short:"n" long:"nodes" description:"Number of simulated clients"`
	Rounds        int    `short:"r" long:"rounds" description:"Number of rounds to run (0 runs until interrupted)"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} or subsys=level pairs"`
	MetricsListen string `long:"metrics" description:"Address to serve prometheus metrics on"`
	Version       bool   `short:"V" long:"version" description:"Show version and exit"`
}

// ObtainSettings parses the command line, loads the config file and applies
// the command line overrides on top of it.
func ObtainSettings() (*settings.Settings, error) {
	// defaults
	s := settings.New()

	o := opts{ConfigFile: defaultConfig}
	parser := flags.NewParser(&o, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, err
	}

	if o.Version {
		fmt.Fprintf(os.Stderr, "gisim %s (%s)\n", appVersion, runtime.Version())
		os.Exit(0)
	}

	// load file, which is optional unless explicitly set.
	cfgFile, err := homedir.Expand(o.ConfigFile)
	if err != nil {
		return nil, err
	}
	cfgSet := parser.FindOptionByLongName("cfg").IsSet()
	if _, err := os.Stat(cfgFile); err == nil || cfgSet {
		if err := s.Load(cfgFile); err != nil {
			return nil, err
		}
	}

	// command line overrides
	if o.Root != "" {
		s.Root = o.Root
	}
	if s.Root, err = homedir.Expand(s.Root); err != nil {
		return nil, err
	}
	if s.LogFile, err = homedir.Expand(s.LogFile); err != nil {
		return nil, err
	}
	if parser.FindOptionByLongName("nodes").IsSet() {
		s.Nodes = o.Nodes
	}
	if parser.FindOptionByLongName("rounds").IsSet() {
		s.Rounds = o.Rounds
	}
	if o.DebugLevel != "" {
		s.DebugLevel = o.DebugLevel
	}
	if o.MetricsListen != "" {
		s.MetricsListen = o.MetricsListen
	}

	return s, s.Validate()
}
