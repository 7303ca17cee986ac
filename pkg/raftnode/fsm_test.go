package raftnode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/conure-db/conure-bptree/btree"
	"github.com/conure-db/conure-bptree/db"
	"github.com/d4l3k/messagediff"
	"github.com/hashicorp/raft"
)

func newTestFSM(t *testing.T) *FSM {
	return newTestFSMWith(t, db.Options{})
}

func newTestFSMWith(t *testing.T, opts db.Options) *FSM {
	t.Helper()
	opts.DataDir = t.TempDir()
	database, err := db.Open(opts)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return &FSM{DB: database}
}

func applyCmd(t *testing.T, f *FSM, cmd Command) ApplyResult {
	t.Helper()
	b, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("Failed to encode command: %v", err)
	}
	res, ok := f.Apply(&raft.Log{Data: b}).(ApplyResult)
	if !ok {
		t.Fatalf("Apply returned an unexpected type")
	}
	return res
}

func TestCommandRoundTrip(t *testing.T) {
	for _, cmd := range []Command{
		{Type: CmdInsert, Tree: "t", Key: -5, Value: 9},
		{Type: CmdCreate, Tree: "t", Fanout: 4},
		{Type: CmdRestoreTree, Tree: "t", Snapshot: []byte{0, 1, 2, 0xff}},
	} {
		b, err := EncodeCommand(cmd)
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		got, err := DecodeCommand(b)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if diff, equal := messagediff.PrettyDiff(cmd, got); !equal {
			t.Fatalf("%s command changed through encoding:\n%s", cmd.Type, diff)
		}
	}
}

func TestFSMApply(t *testing.T) {
	f := newTestFSM(t)

	if res := applyCmd(t, f, Command{Type: CmdInsert, Tree: "t", Key: 1}); !errors.Is(res.Err, db.ErrTreeNotFound) {
		t.Fatalf("expected ErrTreeNotFound, got %v", res.Err)
	}
	if res := applyCmd(t, f, Command{Type: CmdCreate, Tree: "t", Fanout: 3}); res.Err != nil {
		t.Fatalf("Failed to create: %v", res.Err)
	}
	for k := int64(0); k < 10; k++ {
		if res := applyCmd(t, f, Command{Type: CmdInsert, Tree: "t", Key: k, Value: uint64(k)}); res.Err != nil {
			t.Fatalf("Failed to insert: %v", res.Err)
		}
	}
	if res := applyCmd(t, f, Command{Type: CmdDelete, Tree: "t", Key: 3}); res.Err != nil || !res.Found {
		t.Fatalf("expected delete to find key 3: %+v", res)
	}
	if res := applyCmd(t, f, Command{Type: CmdDelete, Tree: "t", Key: 3}); res.Found {
		t.Fatalf("second delete should not find key 3")
	}
	if keys, _ := f.DB.FullScan("t"); len(keys) != 9 {
		t.Fatalf("expected 9 keys, got %v", keys)
	}

	if res := applyCmd(t, f, Command{Type: CmdReset, Tree: "t"}); res.Err != nil {
		t.Fatalf("Failed to reset: %v", res.Err)
	}
	if keys, _ := f.DB.FullScan("t"); len(keys) != 0 {
		t.Fatalf("expected empty tree after reset, got %v", keys)
	}
	if res := applyCmd(t, f, Command{Type: CmdDrop, Tree: "t"}); res.Err != nil {
		t.Fatalf("Failed to drop: %v", res.Err)
	}
	if res := applyCmd(t, f, Command{Type: CommandType(99)}); res.Err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestFSMCreateFanoutFromLog(t *testing.T) {
	replicas := []*FSM{
		newTestFSMWith(t, db.Options{Fanout: 3}),
		newTestFSMWith(t, db.Options{Fanout: 8}),
	}
	var shapes []string
	for _, f := range replicas {
		if res := applyCmd(t, f, Command{Type: CmdCreate, Tree: "t"}); !errors.Is(res.Err, btree.ErrInvalidFanout) {
			t.Fatalf("expected ErrInvalidFanout for a create without fanout, got %v", res.Err)
		}
		if res := applyCmd(t, f, Command{Type: CmdCreate, Tree: "t", Fanout: 3}); res.Err != nil {
			t.Fatalf("Failed to create: %v", res.Err)
		}
		for k := int64(1); k <= 7; k++ {
			applyCmd(t, f, Command{Type: CmdInsert, Tree: "t", Key: k, Value: uint64(k)})
		}
		bfs, err := f.DB.BreadthFirst("t")
		if err != nil {
			t.Fatalf("Failed to walk tree: %v", err)
		}
		shapes = append(shapes, fmt.Sprint(bfs))
	}
	if shapes[0] != "[3 5 2 4 6 1 2 3 4 5 6 7]" {
		t.Fatalf("unexpected shape %s", shapes[0])
	}
	if shapes[0] != shapes[1] {
		t.Fatalf("replicas diverged: %s vs %s", shapes[0], shapes[1])
	}
}

func TestFSMRestoreTree(t *testing.T) {
	leader := newTestFSMWith(t, db.Options{Compress: true})
	applyCmd(t, leader, Command{Type: CmdCreate, Tree: "t", Fanout: 4})
	for k := int64(0); k < 40; k++ {
		applyCmd(t, leader, Command{Type: CmdInsert, Tree: "t", Key: k, Value: uint64(k)})
	}
	if err := leader.DB.Persist("t"); err != nil {
		t.Fatalf("Failed to persist: %v", err)
	}
	data, err := leader.DB.ExportStored("t")
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}

	// A follower that never saw the persist still ends up with the same tree.
	follower := newTestFSM(t)
	applyCmd(t, follower, Command{Type: CmdCreate, Tree: "t", Fanout: 4})
	for k := int64(0); k < 40; k++ {
		applyCmd(t, follower, Command{Type: CmdInsert, Tree: "t", Key: k, Value: uint64(k)})
	}

	for _, f := range []*FSM{leader, follower} {
		applyCmd(t, f, Command{Type: CmdReset, Tree: "t"})
		applyCmd(t, f, Command{Type: CmdInsert, Tree: "t", Key: 500})
		if res := applyCmd(t, f, Command{Type: CmdRestoreTree, Tree: "t", Snapshot: data}); res.Err != nil {
			t.Fatalf("Failed to restore tree: %v", res.Err)
		}
		applyCmd(t, f, Command{Type: CmdInsert, Tree: "t", Key: 41, Value: 1})
	}

	want, _ := leader.DB.BreadthFirst("t")
	got, _ := follower.DB.BreadthFirst("t")
	if diff, equal := messagediff.PrettyDiff(want, got); !equal {
		t.Fatalf("replicas diverged after restore:\n%s", diff)
	}
	if keys, _ := follower.DB.FullScan("t"); len(keys) != 41 {
		t.Fatalf("expected 41 keys, got %d", len(keys))
	}

	if res := applyCmd(t, follower, Command{Type: CmdRestoreTree, Tree: "t", Snapshot: data[:len(data)/2]}); res.Err == nil {
		t.Fatalf("expected error restoring a truncated tree")
	}
	if keys, _ := follower.DB.FullScan("t"); len(keys) != 41 {
		t.Fatalf("failed restore changed the tree: %d keys", len(keys))
	}
}

type bufferSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *bufferSink) ID() string    { return "test" }
func (s *bufferSink) Close() error  { return nil }
func (s *bufferSink) Cancel() error { s.cancelled = true; return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	src := newTestFSM(t)
	applyCmd(t, src, Command{Type: CmdCreate, Tree: "t", Fanout: 4})
	for k := int64(0); k < 50; k++ {
		applyCmd(t, src, Command{Type: CmdInsert, Tree: "t", Key: k, Value: uint64(k)})
	}

	snap, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Failed to snapshot: %v", err)
	}
	// Writes after Snapshot must not leak into it.
	applyCmd(t, src, Command{Type: CmdInsert, Tree: "t", Key: 1000})

	sink := &bufferSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Failed to persist snapshot: %v", err)
	}
	snap.Release()

	dst := newTestFSM(t)
	if err := dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}
	keys, err := dst.DB.FullScan("t")
	if err != nil {
		t.Fatalf("Failed to scan restored tree: %v", err)
	}
	if len(keys) != 50 {
		t.Fatalf("expected 50 keys after restore, got %d", len(keys))
	}
}
