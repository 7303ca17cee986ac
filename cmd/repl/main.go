package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/conure-db/conure-bptree/db"
	"github.com/conure-db/conure-bptree/pkg/config"
	"github.com/conure-db/conure-bptree/pkg/shell"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

type options struct {
	server     string
	dataDir    string
	configPath string
	fanout     int
	compress   bool
	history    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "conure-repl",
		Short: "Interactive B+ tree shell",
		Long: "An interactive shell for B+ trees. With --server it drives a running " +
			"conure-bptree cluster, otherwise it opens trees from a local data directory.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&o.server, "server", "", "HTTP base URL of a server (replicated mode)")
	fs.StringVar(&o.dataDir, "data-dir", "", "directory for persisted trees (local mode)")
	fs.StringVar(&o.configPath, "config", "", "path to YAML config file")
	fs.IntVar(&o.fanout, "fanout", 0, "default fanout for new trees")
	fs.BoolVar(&o.compress, "compress", false, "compress persisted node records with lz4")
	fs.StringVar(&o.history, "history", filepath.Join(os.TempDir(), "conure-repl.history"), "history file")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	return cmd
}

func run(cmd *cobra.Command, o options) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if o.fanout != 0 {
		cfg.Fanout = o.fanout
	}
	if cfg.Fanout == 0 {
		cfg.Fanout = db.DefaultFanout
	}
	if cmd.Flags().Changed("compress") {
		cfg.Compress = o.compress
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	level := hclog.LevelFromString(cfg.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Warn
	}
	logger := hclog.New(&hclog.LoggerOptions{Name: "conure-repl", Level: level, Output: os.Stderr})

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Conure B+ tree shell")
	fmt.Fprintln(out, "Type 'help' for available commands")

	var backend shell.Backend
	if o.server != "" {
		remote, err := shell.NewRemote(o.server)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Using remote server: %s\n", o.server)
		backend = remote
	} else {
		database, err := db.Open(db.Options{
			DataDir:        cfg.DataDir,
			Fanout:         cfg.Fanout,
			Compress:       cfg.Compress,
			PersistOnClose: cfg.PersistOnClose,
			LoadOnOpen:     true,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer func() {
			if err := database.Close(); err != nil {
				logger.Warn("failed to close database", "error", err)
			}
		}()
		fmt.Fprintf(out, "Using data directory: %s\n", cfg.DataDir)
		backend = shell.Local{DB: database}
	}

	return shell.New(backend, out).Run(o.history)
}
