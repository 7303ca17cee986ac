package raftnode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/conure-db/conure-bptree/btree"
	"github.com/conure-db/conure-bptree/db"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
)

// ApplyResult is what FSM.Apply returns for every command.
type ApplyResult struct {
	// Found reports whether a deleted key was present.
	Found bool
	Err   error
}

type FSM struct {
	DB     *db.DB
	Logger hclog.Logger
}

func (f *FSM) logger() hclog.Logger {
	if f.Logger == nil {
		return hclog.NewNullLogger()
	}
	return f.Logger
}

func (f *FSM) Apply(l *raft.Log) interface{} {
	cmd, err := DecodeCommand(l.Data)
	if err != nil {
		return ApplyResult{Err: err}
	}
	return f.apply(cmd)
}

func (f *FSM) apply(cmd Command) ApplyResult {
	switch cmd.Type {
	case CmdCreate:
		// The fanout must come from the log; each node's own default may differ.
		if cmd.Fanout < btree.MinFanout {
			return ApplyResult{Err: fmt.Errorf("%w: got %d", btree.ErrInvalidFanout, cmd.Fanout)}
		}
		_, err := f.DB.Create(cmd.Tree, cmd.Fanout)
		return ApplyResult{Err: err}
	case CmdInsert:
		return ApplyResult{Err: f.DB.Insert(cmd.Tree, cmd.Key, cmd.Value)}
	case CmdDelete:
		found, err := f.DB.Delete(cmd.Tree, cmd.Key)
		return ApplyResult{Found: found, Err: err}
	case CmdReset:
		return ApplyResult{Err: f.DB.Reset(cmd.Tree)}
	case CmdDrop:
		return ApplyResult{Err: f.DB.Drop(cmd.Tree, false)}
	case CmdRestoreTree:
		_, err := f.DB.RestoreTree(cmd.Tree, cmd.Snapshot)
		return ApplyResult{Err: err}
	default:
		f.logger().Warn("ignoring unknown command", "type", cmd.Type)
		return ApplyResult{Err: fmt.Errorf("unknown command type %d", cmd.Type)}
	}
}

// Snapshot serializes the trees right away. Raft does not call Apply while
// Snapshot runs, so the bytes match the last applied index exactly.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	var buf bytes.Buffer
	if err := f.DB.SnapshotTo(&buf); err != nil {
		return nil, err
	}
	return &dbSnapshot{data: buf.Bytes()}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			f.logger().Warn("failed to close snapshot reader", "error", closeErr)
		}
	}()
	return f.DB.RestoreFrom(rc)
}

type dbSnapshot struct {
	data []byte
}

func (s *dbSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *dbSnapshot) Release() {}
