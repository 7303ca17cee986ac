package btree

import (
	"cmp"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// MinFanout is the smallest fanout a tree accepts.
const MinFanout = 3

var (
	ErrInvalidFanout = errors.New("fanout must be at least 3")
	ErrNilCompare    = errors.New("compare function is nil")
)

// Entry is one key/value pair returned by scans.
type Entry[K any] struct {
	Key   K
	Value Value
}

// Stats describes the shape of a tree at one point in time.
type Stats struct {
	Height int `json:"height"`
	Nodes  int `json:"nodes"`
	Leaves int `json:"leaves"`
	Keys   int `json:"keys"`
}

// Tree is an in-memory B+ tree safe for concurrent use. Every node carries
// its own latch and writers only keep the latches of ancestors a split or
// merge could reach, so operations on disjoint subtrees proceed in
// parallel.
type Tree[K any] struct {
	// rootMu guards root and head.
	rootMu sync.RWMutex
	root   node[K]
	head   *leafNode[K]

	fanout int
	name   string
	cmp    func(a, b K) int
	logger hclog.Logger

	// persistMu serializes persists; node ids are assigned under it.
	persistMu sync.Mutex
}

// New creates an empty tree whose nodes hold at most fanout-1 keys.
func New[K any](fanout int, name string, cmp func(a, b K) int) (*Tree[K], error) {
	if fanout < MinFanout {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFanout, fanout)
	}
	if cmp == nil {
		return nil, ErrNilCompare
	}
	leaf := &leafNode[K]{}
	return &Tree[K]{
		root:   leaf,
		head:   leaf,
		fanout: fanout,
		name:   name,
		cmp:    cmp,
		logger: hclog.NewNullLogger(),
	}, nil
}

// NewOrdered creates an empty tree over a naturally ordered key type.
func NewOrdered[K cmp.Ordered](fanout int, name string) (*Tree[K], error) {
	return New[K](fanout, name, cmp.Compare[K])
}

// SetLogger routes the tree's trace output to logger. It must be called
// before the tree is shared between goroutines.
func (t *Tree[K]) SetLogger(logger hclog.Logger) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	t.logger = logger.With("tree", t.name)
}

func (t *Tree[K]) Name() string {
	return t.name
}

func (t *Tree[K]) Fanout() int {
	return t.fanout
}

// minKeys is the fewest keys a non-root node may hold: ceil(fanout/2)-1.
func (t *Tree[K]) minKeys() int {
	return (t.fanout+1)/2 - 1
}

// insertSafe reports whether one more key cannot overflow n.
func (t *Tree[K]) insertSafe(n node[K]) bool {
	return n.header().keyCount() < t.fanout-1
}

// deleteSafe reports whether losing one key cannot underflow n.
func (t *Tree[K]) deleteSafe(n node[K], isRoot bool) bool {
	count := n.header().keyCount()
	if isRoot {
		if n.Type() == LeafNode {
			return true
		}
		// An inner root left with no keys is replaced by its child.
		return count > 1
	}
	return count > t.minKeys()
}

// Search returns the value stored under key.
func (t *Tree[K]) Search(key K) (Value, bool) {
	var chain lockChain
	defer chain.releaseAll()

	leaf := t.descendShared(&chain, key)
	v, ok := leaf.search(key, t.cmp)
	opCounter(t.name, "search").Inc()
	return v, ok
}

// descendShared walks from the root to the leaf that would hold key,
// coupling shared latches hand over hand. Only the leaf is left latched.
func (t *Tree[K]) descendShared(chain *lockChain, key K) *leafNode[K] {
	chain.acquire(&t.rootMu, shared)
	n := t.root
	chain.releaseBefore(chain.acquire(&n.header().latch, shared))

	for {
		inner, ok := n.(*innerNode[K])
		if !ok {
			return n.(*leafNode[K])
		}
		n = inner.children[inner.route(key, t.cmp)]
		chain.releaseBefore(chain.acquire(&n.header().latch, shared))
	}
}

// Insert stores value under key, overwriting any value already there.
func (t *Tree[K]) Insert(key K, value Value) {
	var chain lockChain
	defer chain.releaseAll()
	opCounter(t.name, "insert").Inc()

	// Position 0 is rootMu, position d+1 the node at depth d.
	chain.acquire(&t.rootMu, exclusive)
	path := []node[K]{t.root}
	slots := []int{}
	pos := chain.acquire(&t.root.header().latch, exclusive)
	if t.insertSafe(t.root) {
		chain.releaseBefore(pos)
	}

	n := t.root
	for {
		inner, ok := n.(*innerNode[K])
		if !ok {
			break
		}
		i := inner.route(key, t.cmp)
		n = inner.children[i]
		path = append(path, n)
		slots = append(slots, i)
		pos = chain.acquire(&n.header().latch, exclusive)
		if t.insertSafe(n) {
			chain.releaseBefore(pos)
		}
	}

	leaf := n.(*leafNode[K])
	if !leaf.insert(key, value, t.cmp) {
		return
	}

	// Split bottom-up while the node overflowed and its parent is still
	// latched. A parent that was released was insert safe, so the loop
	// stops exactly where the overflow does.
	for d := len(path) - 1; d >= 0; d-- {
		child := path[d]
		if child.header().keyCount() < t.fanout {
			return
		}
		sib, sep := t.split(child)
		if d == 0 {
			root := &innerNode[K]{children: []node[K]{child, sib}}
			root.keys = []K{sep}
			t.root = root
			rootCounter(t.name, "grow").Inc()
			t.logger.Trace("root split", "separator", sep)
			return
		}
		if !chain.holds(d) {
			panic(fmt.Sprintf("btree: parent at depth %d released before split", d-1))
		}
		path[d-1].(*innerNode[K]).insertChild(slots[d-1], sep, sib)
	}
}

// split divides an overflowing node and returns its new right sibling and
// the separator the parent must install between them.
func (t *Tree[K]) split(n node[K]) (node[K], K) {
	splitCounter(t.name, n.Type()).Inc()
	switch n := n.(type) {
	case *leafNode[K]:
		sib, sep := n.split(t.fanout)
		sib.prev = n
		sib.next = n.next
		if next := n.next; next != nil {
			next.latch.Lock()
			next.prev = sib
			next.latch.Unlock()
		}
		n.next = sib
		return sib, sep
	case *innerNode[K]:
		return n.split(t.fanout)
	default:
		panic(fmt.Sprintf("btree: unexpected node %T", n))
	}
}

// Delete removes key and reports whether it was present.
func (t *Tree[K]) Delete(key K) bool {
	var chain lockChain
	defer chain.releaseAll()
	opCounter(t.name, "delete").Inc()

	chain.acquire(&t.rootMu, exclusive)
	path := []node[K]{t.root}
	slots := []int{}
	pos := chain.acquire(&t.root.header().latch, exclusive)

	// pin is the position of the highest node whose separator equals key.
	// That separator is rewritten once the leaf is done, so nothing at or
	// below it may be released.
	pin := -1
	safe := -1
	if t.deleteSafe(t.root, true) {
		safe = pos
		chain.releaseBefore(pos)
	}

	n := t.root
	for {
		inner, ok := n.(*innerNode[K])
		if !ok {
			break
		}
		i, matched := inner.locate(key, t.cmp)
		if matched && pin < 0 {
			pin = pos
		}
		n = inner.children[i]
		path = append(path, n)
		slots = append(slots, i)
		pos = chain.acquire(&n.header().latch, exclusive)
		if t.deleteSafe(n, false) {
			safe = pos
			upto := safe
			if pin >= 0 && pin < upto {
				upto = pin
			}
			chain.releaseBefore(upto)
		}
	}

	leaf := n.(*leafNode[K])
	at := leaf.remove(key, t.cmp)
	if at < 0 {
		return false
	}

	successor := key
	if at < len(leaf.keys) {
		successor = leaf.keys[at]
	} else if next := leaf.next; next != nil {
		next.latch.RLock()
		if len(next.keys) > 0 {
			successor = next.keys[0]
		}
		next.latch.RUnlock()
	}

	// The parent of path[d] sits at position d.
	for d := len(path) - 1; d >= 1; d-- {
		if !chain.holds(d) {
			break
		}
		parent := path[d-1].(*innerNode[K])
		i := slots[d-1]
		child := path[d]

		if i > 0 && t.cmp(parent.keys[i-1], key) == 0 {
			parent.keys[i-1] = successor
		}
		if child.header().keyCount() < t.minKeys() {
			t.rebalance(parent, i)
		}
		chain.releaseFrom(d + 1)
	}

	if !chain.holds(0) {
		return true
	}
	if root, ok := t.root.(*innerNode[K]); ok && root.keyCount() == 0 {
		t.root = root.children[0]
		root.children = nil
		rootCounter(t.name, "shrink").Inc()
		t.logger.Trace("root collapsed")
	}
	return true
}

// rebalance repairs parent.children[i] after it dropped below the minimum.
// Both parent and child are latched exclusively by the caller.
func (t *Tree[K]) rebalance(parent *innerNode[K], i int) {
	child := parent.children[i]
	var left, right node[K]
	if i > 0 {
		left = parent.children[i-1]
	}
	if i+1 < len(parent.children) {
		right = parent.children[i+1]
	}
	lockSiblings(child, left, right)
	defer unlockSiblings(left, right)

	least := t.minKeys()
	switch {
	case right != nil && right.header().keyCount() > least:
		parent.keys[i] = t.borrow(child, right, parent.keys[i], true)
		borrowCounter(t.name, child.Type()).Inc()
	case left != nil && left.header().keyCount() > least:
		parent.keys[i-1] = t.borrow(child, left, parent.keys[i-1], false)
		borrowCounter(t.name, child.Type()).Inc()
	case right != nil:
		t.merge(child, right, parent.keys[i])
		parent.removeChild(i)
		mergeCounter(t.name, child.Type()).Inc()
	case left != nil:
		t.merge(left, child, parent.keys[i-1])
		parent.removeChild(i - 1)
		mergeCounter(t.name, child.Type()).Inc()
	}
}

// lockSiblings latches the neighbours of child for a rebalance. Leaves are
// always latched left to right to agree with scans walking the leaf chain,
// so child is dropped and re-taken around its left neighbour.
func lockSiblings[K any](child, left, right node[K]) {
	if left != nil && child.Type() == LeafNode {
		child.header().latch.Unlock()
		left.header().latch.Lock()
		child.header().latch.Lock()
		if right != nil {
			right.header().latch.Lock()
		}
		return
	}
	if right != nil {
		right.header().latch.Lock()
	}
	if left != nil {
		left.header().latch.Lock()
	}
}

func unlockSiblings[K any](left, right node[K]) {
	if right != nil {
		right.header().latch.Unlock()
	}
	if left != nil {
		left.header().latch.Unlock()
	}
}

// borrow moves one entry from sib into child and returns the new separator
// between them.
func (t *Tree[K]) borrow(child, sib node[K], sep K, fromRight bool) K {
	switch c := child.(type) {
	case *leafNode[K]:
		if fromRight {
			return c.borrowFromRight(sib.(*leafNode[K]))
		}
		return c.borrowFromLeft(sib.(*leafNode[K]))
	case *innerNode[K]:
		if fromRight {
			return c.borrowFromRight(sib.(*innerNode[K]), sep)
		}
		return c.borrowFromLeft(sib.(*innerNode[K]), sep)
	default:
		panic(fmt.Sprintf("btree: unexpected node %T", child))
	}
}

// merge folds right into left. sep is the parent key between them.
func (t *Tree[K]) merge(left, right node[K], sep K) {
	switch l := left.(type) {
	case *leafNode[K]:
		r := right.(*leafNode[K])
		l.absorb(r)
		l.next = r.next
		if next := r.next; next != nil {
			next.latch.Lock()
			next.prev = l
			next.latch.Unlock()
		}
		r.next, r.prev = nil, nil
	case *innerNode[K]:
		l.absorb(right.(*innerNode[K]), sep)
	default:
		panic(fmt.Sprintf("btree: unexpected node %T", left))
	}
}

// Range returns every entry with lo <= key < hi in ascending order.
func (t *Tree[K]) Range(lo, hi K) []Entry[K] {
	opCounter(t.name, "range").Inc()
	if t.cmp(lo, hi) >= 0 {
		return nil
	}

	var chain lockChain
	defer chain.releaseAll()

	leaf := t.descendShared(&chain, lo)
	var out []Entry[K]
	i := leaf.insertPosition(lo, t.cmp)
	for {
		for ; i < len(leaf.keys); i++ {
			if t.cmp(leaf.keys[i], hi) >= 0 {
				return out
			}
			out = append(out, Entry[K]{Key: leaf.keys[i], Value: leaf.values[i]})
		}
		next := leaf.next
		if next == nil {
			return out
		}
		chain.releaseBefore(chain.acquire(&next.latch, shared))
		leaf, i = next, 0
	}
}

// walkLeaves calls fn on every leaf from the head of the chain onwards,
// holding a shared latch on the leaf for the duration of the call.
func (t *Tree[K]) walkLeaves(fn func(*leafNode[K])) {
	var chain lockChain
	defer chain.releaseAll()

	chain.acquire(&t.rootMu, shared)
	leaf := t.head
	chain.releaseBefore(chain.acquire(&leaf.latch, shared))
	for {
		fn(leaf)
		next := leaf.next
		if next == nil {
			return
		}
		chain.releaseBefore(chain.acquire(&next.latch, shared))
		leaf = next
	}
}

// FullScan returns every key in ascending order by walking the leaf chain.
func (t *Tree[K]) FullScan() []K {
	opCounter(t.name, "scan").Inc()
	var keys []K
	t.walkLeaves(func(l *leafNode[K]) {
		keys = append(keys, l.keys...)
	})
	return keys
}

// Entries is FullScan with values.
func (t *Tree[K]) Entries() []Entry[K] {
	var out []Entry[K]
	t.walkLeaves(func(l *leafNode[K]) {
		for i, k := range l.keys {
			out = append(out, Entry[K]{Key: k, Value: l.values[i]})
		}
	})
	return out
}

// Len returns the number of keys stored.
func (t *Tree[K]) Len() int {
	total := 0
	t.walkLeaves(func(l *leafNode[K]) {
		total += len(l.keys)
	})
	return total
}

// lockAll latches every node shared, parents before children and each
// level left to right, and returns the nodes in that order. The latches
// stay in chain so the caller sees one consistent version of the tree.
func (t *Tree[K]) lockAll(chain *lockChain) []node[K] {
	chain.acquire(&t.rootMu, shared)
	chain.acquire(&t.root.header().latch, shared)
	nodes := []node[K]{t.root}
	for i := 0; i < len(nodes); i++ {
		inner, ok := nodes[i].(*innerNode[K])
		if !ok {
			continue
		}
		for _, c := range inner.children {
			chain.acquire(&c.header().latch, shared)
			nodes = append(nodes, c)
		}
	}
	return nodes
}

// BreadthFirst returns the keys of every node in level order, each level
// left to right. An empty tree yields no keys.
func (t *Tree[K]) BreadthFirst() []K {
	opCounter(t.name, "bfs").Inc()
	var chain lockChain
	defer chain.releaseAll()

	var keys []K
	for _, n := range t.lockAll(&chain) {
		keys = append(keys, n.header().keys...)
	}
	return keys
}

// Levels returns the keys of each node grouped by level.
func (t *Tree[K]) Levels() [][][]K {
	var chain lockChain
	defer chain.releaseAll()

	var levels [][][]K
	depth := map[node[K]]int{}
	for _, n := range t.lockAll(&chain) {
		d := depth[n]
		if d == len(levels) {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], append([]K(nil), n.header().keys...))
		if inner, ok := n.(*innerNode[K]); ok {
			for _, c := range inner.children {
				depth[c] = d + 1
			}
		}
	}
	return levels
}

// Stats counts nodes, leaves and keys under one consistent view.
func (t *Tree[K]) Stats() Stats {
	var chain lockChain
	defer chain.releaseAll()

	nodes := t.lockAll(&chain)
	s := Stats{Nodes: len(nodes), Height: t.heightLocked()}
	for _, n := range nodes {
		if n.Type() == LeafNode {
			s.Leaves++
			s.Keys += n.header().keyCount()
		}
	}
	return s
}

// Height returns the number of levels, 1 for a tree that is a single leaf.
func (t *Tree[K]) Height() int {
	var chain lockChain
	defer chain.releaseAll()

	chain.acquire(&t.rootMu, shared)
	n := t.root
	chain.releaseBefore(chain.acquire(&n.header().latch, shared))
	h := 1
	for {
		inner, ok := n.(*innerNode[K])
		if !ok {
			return h
		}
		n = inner.children[0]
		chain.releaseBefore(chain.acquire(&n.header().latch, shared))
		h++
	}
}

// heightLocked measures the height without latching. The caller must
// keep the root to leaf spine stable.
func (t *Tree[K]) heightLocked() int {
	h := 1
	for n := t.root; n.Type() == InternalNode; n = n.(*innerNode[K]).children[0] {
		h++
	}
	return h
}

// Reset drops every entry. Operations already past the root finish on the
// detached nodes, which are reclaimed once they let go of them.
func (t *Tree[K]) Reset() {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	leaf := &leafNode[K]{}
	t.root = leaf
	t.head = leaf
	opCounter(t.name, "reset").Inc()
	t.logger.Debug("tree reset")
}

// replace swaps in a freshly built root and head, as produced by a load.
func (t *Tree[K]) replace(root node[K], head *leafNode[K]) {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	t.root = root
	t.head = head
}
