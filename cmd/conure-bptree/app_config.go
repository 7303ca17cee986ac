package main

import (
	"github.com/conure-db/conure-bptree/pkg/config"
	"github.com/spf13/cobra"
)

type serverFlags struct {
	configPath     string
	nodeID         string
	dataDir        string
	raftAddr       string
	httpAddr       string
	bootstrap      bool
	barrierTimeout durationValue
	fanout         int
	compress       bool
	persistOnClose bool
	logLevel       string
	logJSON        bool
}

func (f *serverFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "path to YAML config file")
	fs.StringVar(&f.nodeID, "node-id", "", "unique node ID")
	fs.StringVar(&f.dataDir, "data-dir", "", "data directory for node state and persisted trees")
	fs.StringVar(&f.raftAddr, "raft-addr", "", "raft bind/advertise address host:port")
	fs.StringVar(&f.httpAddr, "http-addr", "", "http bind address")
	fs.BoolVar(&f.bootstrap, "bootstrap", false, "bootstrap single-node cluster if no existing state")
	fs.Var(&f.barrierTimeout, "barrier-timeout", "raft barrier timeout (e.g., 3s)")
	fs.IntVar(&f.fanout, "fanout", 0, "default fanout for new trees")
	fs.BoolVar(&f.compress, "compress", false, "compress persisted node records with lz4")
	fs.BoolVar(&f.persistOnClose, "persist-on-close", false, "persist every tree on shutdown")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	fs.BoolVar(&f.logJSON, "log-json", false, "emit logs as JSON")
}

// LoadEffectiveConfig parses the optional YAML config, applies the flags
// that were set on cmd, and returns the effective configuration.
func LoadEffectiveConfig(cmd *cobra.Command, f *serverFlags) (config.Config, error) {
	cfgFile, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	changed := cmd.Flags().Changed
	cli := CLIOverrides{
		NodeID:   f.nodeID,
		DataDir:  f.dataDir,
		RaftAddr: f.raftAddr,
		HTTPAddr: f.httpAddr,
		Fanout:   f.fanout,
		LogLevel: f.logLevel,
	}
	if changed("bootstrap") {
		cli.Bootstrap = &f.bootstrap
	}
	if f.barrierTimeout.set {
		cli.BarrierTimeout = &f.barrierTimeout.val
	}
	if changed("compress") {
		cli.Compress = &f.compress
	}
	if changed("persist-on-close") {
		cli.PersistOnClose = &f.persistOnClose
	}
	if changed("log-json") {
		cli.LogJSON = &f.logJSON
	}

	return mergeConfig(cfgFile, cli), nil
}
