package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/conure-db/conure-bptree/db"
	"github.com/conure-db/conure-bptree/pkg/api"
	"github.com/conure-db/conure-bptree/pkg/raftnode"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f serverFlags
	cmd := &cobra.Command{
		Use:           "conure-bptree",
		Short:         "Replicated B+ tree server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd, &f)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			return err
		},
	}
	f.register(cmd)
	return cmd
}

func run(cmd *cobra.Command, f *serverFlags) error {
	cfg, err := LoadEffectiveConfig(cmd, f)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	// Raft replays the log into an empty DB, so persisted trees are not
	// loaded at startup.
	store, err := db.Open(db.Options{
		DataDir:        filepath.Join(cfg.DataDir, "trees"),
		Fanout:         cfg.Fanout,
		Compress:       cfg.Compress,
		PersistOnClose: cfg.PersistOnClose,
		Logger:         logger.Named("db"),
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("failed to close database", "error", closeErr)
		}
	}()

	fsm := &raftnode.FSM{DB: store, Logger: logger.Named("fsm")}
	node, err := raftnode.StartNode(raftnode.Config{
		NodeID:    cfg.NodeID,
		RaftAddr:  cfg.RaftAddr,
		DataDir:   cfg.DataDir,
		Bootstrap: cfg.Bootstrap,
		Logger:    logger,
	}, fsm)
	if err != nil {
		return fmt.Errorf("start raft: %w", err)
	}
	defer func() {
		if err := node.Shutdown(); err != nil {
			logger.Warn("raft shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.Bootstrap {
		logger.Info("starting auto-join")
		go newJoiner(parseSeeds(), logger).run(ctx, cfg.NodeID, cfg.RaftAddr, 2*time.Second, 0)
	} else {
		logger.Info("node is configured as bootstrap node")
	}

	mux := http.NewServeMux()
	api.New(node, store, logger.Named("api"), cfg.BarrierTimeout).Register(mux)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("conure-bptree running", "http", cfg.HTTPAddr, "raft", cfg.RaftAddr, "fanout", cfg.Fanout)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
	}
	return nil
}
