package db

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/conure-db/conure-bptree/btree"
	"github.com/hashicorp/go-hclog"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultFanout is used when neither the caller nor the options name one.
const DefaultFanout = 3

var (
	ErrClosed       = errors.New("database closed")
	ErrTreeNotFound = errors.New("tree not found")
	ErrTreeExists   = errors.New("tree already exists")
)

// Tree is the tree type a DB manages: int64 keys with uint64 values.
type Tree = btree.Tree[int64]

// Entry is one key/value pair of a Tree.
type Entry = btree.Entry[int64]

// Options configures a DB.
type Options struct {
	// DataDir holds one subdirectory per persisted tree.
	DataDir string

	// Fanout is used by Create when it is given a fanout below 1.
	Fanout int

	// Compress stores node records as lz4 blocks.
	Compress bool

	// PersistOnClose persists every tree when the DB is closed.
	PersistOnClose bool

	// LoadOnOpen loads every tree found in DataDir.
	LoadOnOpen bool

	Logger hclog.Logger
}

// DB manages a set of named trees and their on-disk copies. Tree
// operations only take the read side of mu; each tree does its own
// latching. Close and RestoreFrom take the write side.
type DB struct {
	mu       sync.RWMutex
	trees    *xsync.MapOf[string, *Tree]
	store    *btree.Store[int64]
	opts     Options
	logger   hclog.Logger
	isClosed bool
}

// Open opens a database rooted at opts.DataDir
func Open(opts Options) (*DB, error) {
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	if opts.Fanout < btree.MinFanout {
		return nil, fmt.Errorf("%w: got %d", btree.ErrInvalidFanout, opts.Fanout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	db := &DB{
		trees:  xsync.NewMapOf[string, *Tree](),
		store:  btree.NewStore(opts.DataDir, btree.Int64Keys, btree.StoreOptions{Compress: opts.Compress, Logger: logger}),
		opts:   opts,
		logger: logger.Named("db"),
	}

	if opts.LoadOnOpen {
		names, err := db.store.List()
		if err != nil {
			return nil, fmt.Errorf("list trees: %w", err)
		}
		for _, name := range names {
			tree, err := btree.Load(db.store, name, cmp.Compare[int64])
			if err != nil {
				return nil, fmt.Errorf("load tree %q: %w", name, err)
			}
			tree.SetLogger(db.logger)
			db.trees.Store(name, tree)
		}
		db.logger.Info("opened database", "dir", opts.DataDir, "trees", len(names))
	}
	return db, nil
}

// Close closes the database, persisting every tree first when configured to.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.isClosed {
		return errors.New("database already closed")
	}
	db.isClosed = true

	if db.opts.PersistOnClose {
		return db.persistAll()
	}
	return nil
}

// DefaultFanout returns the fanout Create uses when given none.
func (db *DB) DefaultFanout() int {
	return db.opts.Fanout
}

// Store returns the store trees are persisted to.
func (db *DB) Store() *btree.Store[int64] {
	return db.store
}

// Create adds an empty tree. A fanout below 1 selects the configured default.
func (db *DB) Create(name string, fanout int) (*Tree, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.isClosed {
		return nil, ErrClosed
	}
	if err := btree.ValidateName(name); err != nil {
		return nil, err
	}
	if fanout <= 0 {
		fanout = db.opts.Fanout
	}
	tree, err := btree.NewOrdered[int64](fanout, name)
	if err != nil {
		return nil, err
	}
	tree.SetLogger(db.logger)

	if _, loaded := db.trees.LoadOrStore(name, tree); loaded {
		return nil, fmt.Errorf("%w: %q", ErrTreeExists, name)
	}
	db.logger.Debug("created tree", "tree", name, "fanout", fanout)
	return tree, nil
}

// Tree returns the named tree.
func (db *DB) Tree(name string) (*Tree, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.isClosed {
		return nil, ErrClosed
	}
	return db.lookup(name)
}

func (db *DB) lookup(name string) (*Tree, error) {
	tree, ok := db.trees.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTreeNotFound, name)
	}
	return tree, nil
}

// Names returns the names of all trees in memory, sorted.
func (db *DB) Names() []string {
	var names []string
	db.trees.Range(func(name string, _ *Tree) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// Drop removes the named tree from memory and, when purge is set, its
// files from disk.
func (db *DB) Drop(name string, purge bool) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.isClosed {
		return ErrClosed
	}
	if _, ok := db.trees.LoadAndDelete(name); !ok && !purge {
		return fmt.Errorf("%w: %q", ErrTreeNotFound, name)
	}
	if purge {
		return db.store.Remove(name)
	}
	return nil
}

// withTree runs fn on the named tree under the read side of mu.
func (db *DB) withTree(name string, fn func(*Tree) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.isClosed {
		return ErrClosed
	}
	tree, err := db.lookup(name)
	if err != nil {
		return err
	}
	return fn(tree)
}

// Insert stores value under key in the named tree
func (db *DB) Insert(name string, key int64, value uint64) error {
	return db.withTree(name, func(t *Tree) error {
		t.Insert(key, value)
		return nil
	})
}

// Delete removes key from the named tree and reports whether it was there
func (db *DB) Delete(name string, key int64) (bool, error) {
	var found bool
	err := db.withTree(name, func(t *Tree) error {
		found = t.Delete(key)
		return nil
	})
	return found, err
}

// Search looks key up in the named tree
func (db *DB) Search(name string, key int64) (uint64, bool, error) {
	var (
		value uint64
		found bool
	)
	err := db.withTree(name, func(t *Tree) error {
		value, found = t.Search(key)
		return nil
	})
	return value, found, err
}

// Range returns the entries of the named tree with lo <= key < hi
func (db *DB) Range(name string, lo, hi int64) ([]Entry, error) {
	var out []Entry
	err := db.withTree(name, func(t *Tree) error {
		out = t.Range(lo, hi)
		return nil
	})
	return out, err
}

func (db *DB) BreadthFirst(name string) ([]int64, error) {
	var out []int64
	err := db.withTree(name, func(t *Tree) error {
		out = t.BreadthFirst()
		return nil
	})
	return out, err
}

func (db *DB) FullScan(name string) ([]int64, error) {
	var out []int64
	err := db.withTree(name, func(t *Tree) error {
		out = t.FullScan()
		return nil
	})
	return out, err
}

func (db *DB) Stats(name string) (btree.Stats, error) {
	var s btree.Stats
	err := db.withTree(name, func(t *Tree) error {
		s = t.Stats()
		return nil
	})
	return s, err
}

// Reset empties the named tree in memory. Files on disk are kept.
func (db *DB) Reset(name string) error {
	return db.withTree(name, func(t *Tree) error {
		t.Reset()
		return nil
	})
}

// Clear empties the named tree and removes its files.
func (db *DB) Clear(name string) error {
	return db.withTree(name, func(t *Tree) error {
		t.Reset()
		return db.store.Remove(name)
	})
}

// Persist writes the named tree to disk
func (db *DB) Persist(name string) error {
	return db.withTree(name, func(t *Tree) error {
		return t.Persist(db.store)
	})
}

// PersistAll writes every tree to disk
func (db *DB) PersistAll() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.isClosed {
		return ErrClosed
	}
	return db.persistAll()
}

func (db *DB) persistAll() error {
	var errs []error
	for _, name := range db.Names() {
		tree, ok := db.trees.Load(name)
		if !ok {
			continue
		}
		if err := tree.Persist(db.store); err != nil {
			errs = append(errs, fmt.Errorf("persist %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Load reads the named tree from disk and replaces the in-memory tree of
// that name. On failure the in-memory tree is left as it was.
func (db *DB) Load(name string) (*Tree, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.isClosed {
		return nil, ErrClosed
	}
	tree, err := btree.Load(db.store, name, cmp.Compare[int64])
	if err != nil {
		return nil, err
	}
	tree.SetLogger(db.logger)
	db.trees.Store(name, tree)
	return tree, nil
}

// ExportStored reads the named tree from disk and returns it in snapshot
// form, ready for RestoreTree. The in-memory tree is not touched.
func (db *DB) ExportStored(name string) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.isClosed {
		return nil, ErrClosed
	}
	tree, err := btree.Load(db.store, name, cmp.Compare[int64])
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tree.WriteSnapshot(&buf, btree.Int64Keys, db.opts.Compress); err != nil {
		return nil, fmt.Errorf("encode %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

// RestoreTree replaces the named tree with the one encoded in data, as
// returned by ExportStored. On failure the in-memory tree is left as it was.
func (db *DB) RestoreTree(name string, data []byte) (*Tree, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.isClosed {
		return nil, ErrClosed
	}
	tree, err := btree.ReadSnapshot(bytes.NewReader(data), btree.Int64Keys, cmp.Compare[int64])
	if err != nil {
		return nil, fmt.Errorf("restore %q: %w", name, err)
	}
	if tree.Name() != name {
		return nil, fmt.Errorf("%w: snapshot holds tree %q, not %q", btree.ErrCorruptRecord, tree.Name(), name)
	}
	tree.SetLogger(db.logger)
	db.trees.Store(name, tree)
	db.logger.Debug("restored tree", "tree", name, "fanout", tree.Fanout())
	return tree, nil
}

// SnapshotTo streams every tree to w: a uvarint tree count followed by
// each tree's snapshot.
func (db *DB) SnapshotTo(w io.Writer) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.isClosed {
		return ErrClosed
	}

	bw := bufio.NewWriter(w)
	names := db.Names()
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(names)))
	if _, err := bw.Write(lenBuf[:n]); err != nil {
		return err
	}
	for _, name := range names {
		tree, ok := db.trees.Load(name)
		if !ok {
			return fmt.Errorf("%w: %q dropped during snapshot", ErrTreeNotFound, name)
		}
		if err := tree.WriteSnapshot(bw, btree.Int64Keys, db.opts.Compress); err != nil {
			return fmt.Errorf("snapshot %q: %w", name, err)
		}
	}
	return bw.Flush()
}

// RestoreFrom replaces every tree with the ones read from a stream written
// by SnapshotTo. Nothing changes unless the whole stream reads cleanly.
func (db *DB) RestoreFrom(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.isClosed {
		return ErrClosed
	}

	br := bufio.NewReader(r)
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return fmt.Errorf("read tree count: %w", err)
	}
	restored := make([]*Tree, 0, min(count, 64))
	for i := uint64(0); i < count; i++ {
		tree, err := btree.ReadSnapshot(br, btree.Int64Keys, cmp.Compare[int64])
		if err != nil {
			return fmt.Errorf("restore tree %d of %d: %w", i+1, count, err)
		}
		tree.SetLogger(db.logger)
		restored = append(restored, tree)
	}

	db.trees.Clear()
	for _, tree := range restored {
		db.trees.Store(tree.Name(), tree)
	}
	db.logger.Info("restored snapshot", "trees", len(restored))
	return nil
}
