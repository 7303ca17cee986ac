package btree

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrKeyCodecMismatch = errors.New("key codec mismatch")
	ErrInvalidTreeName  = errors.New("invalid tree name")
)

// Store keeps persisted trees below one directory. Tree name lives in
// dir/name: one file per node, named by the node id, and the tree record
// in dir/name/name.
type Store[K any] struct {
	dir      string
	codec    KeyCodec[K]
	compress bool
	logger   hclog.Logger
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Compress stores records as lz4 blocks.
	Compress bool
	Logger   hclog.Logger
}

// NewStore creates a store rooted at dir. The directory is created on the
// first persist.
func NewStore[K any](dir string, codec KeyCodec[K], opts StoreOptions) *Store[K] {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store[K]{
		dir:      dir,
		codec:    codec,
		compress: opts.Compress,
		logger:   logger.Named("store"),
	}
}

func (s *Store[K]) Dir() string {
	return s.dir
}

// ValidateName rejects names that cannot be used as a single directory.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidTreeName, name)
	}
	if _, err := uuid.Parse(name); err == nil {
		// The tree record would be mistaken for a node file.
		return fmt.Errorf("%w: %q looks like a node id", ErrInvalidTreeName, name)
	}
	return nil
}

func (s *Store[K]) treeDir(name string) string {
	return filepath.Join(s.dir, name)
}

// Exists reports whether a tree record for name is on disk.
func (s *Store[K]) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.treeDir(name), name))
	return err == nil
}

// Remove deletes every file of the named tree.
func (s *Store[K]) Remove(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return os.RemoveAll(s.treeDir(name))
}

// List returns the names of trees with a tree record on disk.
func (s *Store[K]) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && s.Exists(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// writeFile replaces dir/name/file atomically.
func (s *Store[K]) writeFile(name, file string, payload []byte) error {
	path := filepath.Join(s.treeDir(name), file)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encodeFrame(payload, s.compress), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store[K]) readFile(name, file string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.treeDir(name), file))
	if err != nil {
		return nil, err
	}
	return decodeFrame(data)
}

// sweep removes node files of name that are not in live. Only files named
// like a node id are touched.
func (s *Store[K]) sweep(name string, live map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(s.treeDir(name))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		if _, ok := live[e.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.treeDir(name), e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// record converts n into its persisted form. Ids must already be assigned.
func (t *Tree[K]) record(n node[K]) *nodeRecord[K] {
	h := n.header()
	r := &nodeRecord[K]{id: h.id, keys: h.keys}
	switch n := n.(type) {
	case *leafNode[K]:
		r.leaf = true
		r.values = n.values
		if n.prev != nil {
			r.prevID = n.prev.id
		}
		if n.next != nil {
			r.nextID = n.next.id
		}
	case *innerNode[K]:
		r.children = make([]string, len(n.children))
		for i, c := range n.children {
			r.children[i] = c.header().id
		}
	}
	return r
}

// snapshotRecords latches the whole tree and calls fn with the tree record
// followed by every node record in level order.
func (t *Tree[K]) snapshotRecords(codec KeyCodec[K], fn func(id string, payload []byte) error) error {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	var chain lockChain
	defer chain.releaseAll()

	nodes := t.lockAll(&chain)
	for _, n := range nodes {
		if h := n.header(); h.id == "" {
			h.id = uuid.NewString()
		}
	}

	tr := &treeRecord{
		fanout:    t.fanout,
		name:      t.name,
		rootID:    t.root.header().id,
		headID:    t.head.id,
		keyCodec:  codec.Name(),
		nodeCount: len(nodes),
	}
	if err := fn(t.name, appendTreeRecord(nil, tr)); err != nil {
		return err
	}

	var buf []byte
	for _, n := range nodes {
		buf = appendNodeRecord(buf[:0], t.record(n), codec)
		if err := fn(n.header().id, buf); err != nil {
			return err
		}
	}
	return nil
}

// Persist writes the tree to s. Node files are written before the tree
// record, so a crash mid-persist leaves the previous tree record pointing
// at files that are still there. Files of nodes no longer in the tree are
// removed afterwards.
func (t *Tree[K]) Persist(s *Store[K]) (err error) {
	defer func() { persistCounter(t.name, "persist", err).Inc() }()

	if err := ValidateName(t.name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.treeDir(t.name), 0o755); err != nil {
		return fmt.Errorf("create tree directory: %w", err)
	}

	var treeRec []byte
	live := make(map[string]struct{})
	err = t.snapshotRecords(s.codec, func(id string, payload []byte) error {
		if id == t.name {
			treeRec = append([]byte(nil), payload...)
			return nil
		}
		live[id] = struct{}{}
		if err := s.writeFile(t.name, id, payload); err != nil {
			return fmt.Errorf("write node %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.writeFile(t.name, t.name, treeRec); err != nil {
		return fmt.Errorf("write tree record: %w", err)
	}

	removed, err := s.sweep(t.name, live)
	if err != nil {
		s.logger.Warn("failed to remove stale node files", "tree", t.name, "error", err)
	}
	s.logger.Debug("persisted tree", "tree", t.name, "nodes", len(live), "stale", removed)
	return nil
}

// recordSource yields raw node records by id.
type recordSource func(id string) ([]byte, error)

// loadContext carries the leaf chain state through the recursive load.
type loadContext[K any] struct {
	prev       *leafNode[K]
	prevNextID string
	head       *leafNode[K]
	leafDepth  int
	seen       map[string]struct{}
}

func (t *Tree[K]) loadNode(src recordSource, codec KeyCodec[K], id string, depth int, ctx *loadContext[K]) (node[K], error) {
	if _, dup := ctx.seen[id]; dup {
		return nil, corrupt("node %s referenced twice", id)
	}
	ctx.seen[id] = struct{}{}

	data, err := src(id)
	if err != nil {
		return nil, err
	}
	rec, err := decodeNodeRecord(data, codec)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	if rec.id != id {
		return nil, corrupt("file %s holds node %s", id, rec.id)
	}
	if len(rec.keys) >= t.fanout {
		return nil, corrupt("node %s: %d keys with fanout %d", id, len(rec.keys), t.fanout)
	}
	for i := 1; i < len(rec.keys); i++ {
		if t.cmp(rec.keys[i-1], rec.keys[i]) >= 0 {
			return nil, corrupt("node %s: keys out of order at %d", id, i)
		}
	}

	if rec.leaf {
		if ctx.leafDepth < 0 {
			ctx.leafDepth = depth
		} else if ctx.leafDepth != depth {
			return nil, corrupt("leaf %s at depth %d, expected %d", id, depth, ctx.leafDepth)
		}

		leaf := &leafNode[K]{values: rec.values}
		leaf.id = id
		leaf.keys = rec.keys

		prevID := ""
		if ctx.prev != nil {
			prevID = ctx.prev.id
			if ctx.prevNextID != id {
				return nil, corrupt("leaf %s follows %s, which links to %q", id, prevID, ctx.prevNextID)
			}
			ctx.prev.next = leaf
			leaf.prev = ctx.prev
		} else {
			ctx.head = leaf
		}
		if rec.prevID != prevID {
			return nil, corrupt("leaf %s links back to %q, expected %q", id, rec.prevID, prevID)
		}
		ctx.prev = leaf
		ctx.prevNextID = rec.nextID
		return leaf, nil
	}

	inner := &innerNode[K]{children: make([]node[K], 0, len(rec.children))}
	inner.id = id
	inner.keys = rec.keys
	for _, cid := range rec.children {
		child, err := t.loadNode(src, codec, cid, depth+1, ctx)
		if err != nil {
			return nil, err
		}
		inner.children = append(inner.children, child)
	}
	return inner, nil
}

// build reconstructs the nodes described by tr into t. t is only changed
// when every record loaded cleanly.
func (t *Tree[K]) build(tr *treeRecord, codec KeyCodec[K], src recordSource) error {
	if tr.keyCodec != codec.Name() {
		return fmt.Errorf("%w: tree %q uses %q, store uses %q", ErrKeyCodecMismatch, tr.name, tr.keyCodec, codec.Name())
	}
	ctx := &loadContext[K]{leafDepth: -1, seen: make(map[string]struct{})}
	root, err := t.loadNode(src, codec, tr.rootID, 0, ctx)
	if err != nil {
		return err
	}
	if ctx.prevNextID != "" {
		return corrupt("last leaf links to %q", ctx.prevNextID)
	}
	if ctx.head == nil || ctx.head.id != tr.headID {
		return corrupt("head leaf is not %q", tr.headID)
	}
	if tr.nodeCount != 0 && tr.nodeCount != len(ctx.seen) {
		return corrupt("tree record lists %d nodes, loaded %d", tr.nodeCount, len(ctx.seen))
	}
	t.replace(root, ctx.head)
	return nil
}

// Load reads the named tree from s. The result is nil with an error if any
// file is missing or does not parse.
func Load[K any](s *Store[K], name string, cmp func(a, b K) int) (tree *Tree[K], err error) {
	defer func() { persistCounter(name, "load", err).Inc() }()

	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := s.readFile(name, name)
	if err != nil {
		return nil, fmt.Errorf("read tree record: %w", err)
	}
	tr, err := decodeTreeRecord(data)
	if err != nil {
		return nil, err
	}
	if tr.name != name {
		return nil, corrupt("tree record for %q stored as %q", tr.name, name)
	}

	t, err := New(tr.fanout, tr.name, cmp)
	if err != nil {
		return nil, err
	}
	src := func(id string) ([]byte, error) {
		data, err := s.readFile(name, id)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		return data, err
	}
	if err := t.build(tr, s.codec, src); err != nil {
		return nil, err
	}
	s.logger.Debug("loaded tree", "tree", name, "fanout", tr.fanout, "nodes", tr.nodeCount)
	return t, nil
}

// WriteSnapshot streams the tree as uvarint length-prefixed frames: the
// tree record first, then every node record.
func (t *Tree[K]) WriteSnapshot(w io.Writer, codec KeyCodec[K], compress bool) error {
	var lenBuf [binary.MaxVarintLen64]byte
	return t.snapshotRecords(codec, func(_ string, payload []byte) error {
		frame := encodeFrame(payload, compress)
		n := binary.PutUvarint(lenBuf[:], uint64(len(frame)))
		if _, err := w.Write(lenBuf[:n]); err != nil {
			return err
		}
		_, err := w.Write(frame)
		return err
	})
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

func readFrame(r byteReader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, corrupt("frame of %d bytes", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return decodeFrame(frame)
}

// ReadSnapshot reads one tree written by WriteSnapshot. Readers that are
// not io.ByteReaders are buffered, which may consume input past the tree;
// pass a *bufio.Reader to read several trees from one stream.
func ReadSnapshot[K any](r io.Reader, codec KeyCodec[K], cmp func(a, b K) int) (*Tree[K], error) {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	data, err := readFrame(br)
	if err != nil {
		return nil, fmt.Errorf("read tree record: %w", err)
	}
	tr, err := decodeTreeRecord(data)
	if err != nil {
		return nil, err
	}
	records := make(map[string][]byte, min(tr.nodeCount, 1024))
	for i := 0; i < tr.nodeCount; i++ {
		data, err := readFrame(br)
		if err != nil {
			return nil, fmt.Errorf("read node %d of %d: %w", i+1, tr.nodeCount, err)
		}
		rec, err := decodeNodeRecord(data, codec)
		if err != nil {
			return nil, err
		}
		records[rec.id] = data
	}

	t, err := New(tr.fanout, tr.name, cmp)
	if err != nil {
		return nil, err
	}
	src := func(id string) ([]byte, error) {
		data, ok := records[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		return data, nil
	}
	if err := t.build(tr, codec, src); err != nil {
		return nil, err
	}
	return t, nil
}
