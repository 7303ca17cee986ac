package raftnode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var ErrNotLeader = errors.New("not the leader")

type Config struct {
	NodeID    string
	RaftAddr  string
	DataDir   string
	Bootstrap bool
	Logger    hclog.Logger
}

type Node struct {
	raft   *raft.Raft
	fsm    *FSM
	logger hclog.Logger
}

func (n *Node) Raft() *raft.Raft {
	return n.raft
}

func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

func (n *Node) Leader() raft.ServerAddress {
	return n.raft.Leader()
}

func (n *Node) AddVoter(id, addr string) error {
	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	return future.Error()
}

// Apply replicates cmd and waits for the local FSM to apply it. Errors
// from the FSM, such as a missing tree, are returned like raft errors.
func (n *Node) Apply(cmd Command, timeout time.Duration) (ApplyResult, error) {
	b, err := EncodeCommand(cmd)
	if err != nil {
		return ApplyResult{}, err
	}
	f := n.raft.Apply(b, timeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return ApplyResult{}, ErrNotLeader
		}
		return ApplyResult{}, err
	}
	res, ok := f.Response().(ApplyResult)
	if !ok {
		return ApplyResult{}, fmt.Errorf("unexpected apply response %T", f.Response())
	}
	return res, res.Err
}

// Barrier blocks until every preceding log entry is applied locally.
func (n *Node) Barrier(timeout time.Duration) error {
	return n.raft.Barrier(timeout).Error()
}

// Servers returns the current cluster membership.
func (n *Node) Servers() ([]raft.Server, error) {
	f := n.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return nil, err
	}
	return f.Configuration().Servers, nil
}

// Shutdown stops the raft instance.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}

func StartNode(cfg Config, fsm *FSM) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, err
	}

	rcfg := raft.DefaultConfig()
	rcfg.LocalID = raft.ServerID(cfg.NodeID)
	rcfg.SnapshotInterval = 30 * time.Second
	rcfg.SnapshotThreshold = 8192
	rcfg.Logger = logger.Named("raft")

	// Stores
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "stable.bolt"))
	if err != nil {
		return nil, err
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "log.bolt"))
	if err != nil {
		return nil, err
	}
	snaps, err := raft.NewFileSnapshotStoreWithLogger(raftDir, 3, logger.Named("snapshots"))
	if err != nil {
		return nil, err
	}

	// Transport
	transport, err := raft.NewTCPTransportWithLogger(cfg.RaftAddr, nil, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		return nil, err
	}

	r, err := raft.NewRaft(rcfg, fsm, logStore, stableStore, snaps, transport)
	if err != nil {
		return nil, err
	}

	n := &Node{raft: r, fsm: fsm, logger: logger}

	// Bootstrap if requested and no existing state
	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snaps)
		if err != nil {
			return nil, err
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{{
					ID:      raft.ServerID(cfg.NodeID),
					Address: raft.ServerAddress(cfg.RaftAddr),
				}},
			}
			if err := r.BootstrapCluster(configuration).Error(); err != nil {
				return nil, err
			}
			logger.Info("bootstrapped single-node cluster", "node", cfg.NodeID)
		}
	}

	return n, nil
}
