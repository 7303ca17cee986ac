package main

import (
	"os"
	"time"

	"github.com/conure-db/conure-bptree/pkg/config"
	"github.com/hashicorp/go-hclog"
)

// CLIOverrides carries CLI-provided values. Empty strings and zero numbers
// mean "not set". For booleans, a pointer is used to detect if the flag was
// explicitly set.
type CLIOverrides struct {
	NodeID         string
	DataDir        string
	RaftAddr       string
	HTTPAddr       string
	Bootstrap      *bool
	BarrierTimeout *time.Duration
	Fanout         int
	Compress       *bool
	PersistOnClose *bool
	LogLevel       string
	LogJSON        *bool
}

func mergeConfig(fileCfg config.Config, cli CLIOverrides) config.Config {
	cfg := fileCfg

	// Apply CLI overrides when provided
	if cli.NodeID != "" {
		cfg.NodeID = cli.NodeID
	}
	if cli.DataDir != "" {
		cfg.DataDir = cli.DataDir
	}
	if cli.RaftAddr != "" {
		cfg.RaftAddr = cli.RaftAddr
	}
	if cli.HTTPAddr != "" {
		cfg.HTTPAddr = cli.HTTPAddr
	}
	if cli.Bootstrap != nil {
		cfg.Bootstrap = *cli.Bootstrap
	}
	if cli.BarrierTimeout != nil {
		cfg.BarrierTimeout = *cli.BarrierTimeout
	}
	if cli.Fanout != 0 {
		cfg.Fanout = cli.Fanout
	}
	if cli.Compress != nil {
		cfg.Compress = *cli.Compress
	}
	if cli.PersistOnClose != nil {
		cfg.PersistOnClose = *cli.PersistOnClose
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.LogJSON != nil {
		cfg.LogJSON = *cli.LogJSON
	}

	// Defaults for any still-empty values
	if cfg.NodeID == "" {
		cfg.NodeID = "node1"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.RaftAddr == "" {
		cfg.RaftAddr = "127.0.0.1:7001"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8081"
	}
	if cfg.BarrierTimeout == 0 {
		cfg.BarrierTimeout = 3 * time.Second
	}
	if cfg.Fanout == 0 {
		cfg.Fanout = 3
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(cfg config.Config) hclog.Logger {
	level := hclog.LevelFromString(cfg.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "conure-bptree",
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: cfg.LogJSON,
	}).With("node", cfg.NodeID)
}
