package btree

import (
	"slices"
	"sync"
)

// Value is the opaque payload stored next to each key in a leaf.
type Value = uint64

// NodeType represents the type of a node
type NodeType uint8

const (
	// LeafNode is a node that contains key-value pairs
	LeafNode NodeType = iota

	// InternalNode is a node that contains keys and child pointers
	InternalNode
)

func (t NodeType) String() string {
	if t == LeafNode {
		return "leaf"
	}
	return "inner"
}

// node is implemented by *leafNode and *innerNode only.
type node[K any] interface {
	header() *nodeHeader[K]
	Type() NodeType
}

// nodeHeader holds the state shared by both node kinds. The latch guards
// keys and everything the embedding node adds on top of them.
type nodeHeader[K any] struct {
	latch sync.RWMutex
	id    string
	keys  []K
}

func (h *nodeHeader[K]) header() *nodeHeader[K] {
	return h
}

func (h *nodeHeader[K]) keyCount() int {
	return len(h.keys)
}

// insertPosition returns the left-most index i such that keys[i] >= k.
func (h *nodeHeader[K]) insertPosition(k K, cmp func(a, b K) int) int {
	i, _ := slices.BinarySearchFunc(h.keys, k, cmp)
	return i
}

// findIndex returns the index holding k, or keyCount() when k is absent.
func (h *nodeHeader[K]) findIndex(k K, cmp func(a, b K) int) int {
	i, found := slices.BinarySearchFunc(h.keys, k, cmp)
	if !found {
		return len(h.keys)
	}
	return i
}

// leafNode stores key/value pairs. next and prev chain every leaf of the
// tree in key order; they never own the sibling they point at.
type leafNode[K any] struct {
	nodeHeader[K]
	values []Value
	next   *leafNode[K]
	prev   *leafNode[K]
}

func (l *leafNode[K]) Type() NodeType {
	return LeafNode
}

func (l *leafNode[K]) search(k K, cmp func(a, b K) int) (Value, bool) {
	i := l.findIndex(k, cmp)
	if i == len(l.keys) {
		return 0, false
	}
	return l.values[i], true
}

// insert adds k/v at its ordered position. An existing key has its value
// overwritten instead; the return value reports whether a key was added.
func (l *leafNode[K]) insert(k K, v Value, cmp func(a, b K) int) bool {
	i, found := slices.BinarySearchFunc(l.keys, k, cmp)
	if found {
		l.values[i] = v
		return false
	}
	l.keys = slices.Insert(l.keys, i, k)
	l.values = slices.Insert(l.values, i, v)
	return true
}

// remove deletes k and returns the index it occupied, or -1 if k is absent.
func (l *leafNode[K]) remove(k K, cmp func(a, b K) int) int {
	i := l.findIndex(k, cmp)
	if i == len(l.keys) {
		return -1
	}
	l.keys = slices.Delete(l.keys, i, i+1)
	l.values = slices.Delete(l.values, i, i+1)
	return i
}

// split moves keys[fanout/2:] into a new leaf and returns it together with
// its first key. Linking the new leaf into the chain is up to the caller.
func (l *leafNode[K]) split(fanout int) (*leafNode[K], K) {
	mid := fanout / 2
	sib := &leafNode[K]{values: slices.Clone(l.values[mid:])}
	sib.keys = slices.Clone(l.keys[mid:])

	clear(l.keys[mid:])
	l.keys = l.keys[:mid]
	l.values = l.values[:mid]

	return sib, sib.keys[0]
}

// borrowFromRight moves the right sibling's first pair onto the end of l
// and returns the sibling's new first key.
func (l *leafNode[K]) borrowFromRight(sib *leafNode[K]) K {
	l.keys = append(l.keys, sib.keys[0])
	l.values = append(l.values, sib.values[0])
	sib.keys = slices.Delete(sib.keys, 0, 1)
	sib.values = slices.Delete(sib.values, 0, 1)
	return sib.keys[0]
}

// borrowFromLeft moves the left sibling's last pair to the front of l and
// returns the moved key, which becomes l's separator.
func (l *leafNode[K]) borrowFromLeft(sib *leafNode[K]) K {
	last := len(sib.keys) - 1
	k, v := sib.keys[last], sib.values[last]
	sib.keys = slices.Delete(sib.keys, last, last+1)
	sib.values = slices.Delete(sib.values, last, last+1)
	l.keys = slices.Insert(l.keys, 0, k)
	l.values = slices.Insert(l.values, 0, v)
	return k
}

// absorb appends every pair of right, its right-hand neighbour.
func (l *leafNode[K]) absorb(right *leafNode[K]) {
	l.keys = append(l.keys, right.keys...)
	l.values = append(l.values, right.values...)
	right.keys, right.values = nil, nil
}

// innerNode routes lookups: children[i] holds keys below keys[i], and keys
// equal to a separator live on its right.
type innerNode[K any] struct {
	nodeHeader[K]
	children []node[K]
}

func (n *innerNode[K]) Type() NodeType {
	return InternalNode
}

// locate returns the child index for k and whether k equals the separator
// just left of that child.
func (n *innerNode[K]) locate(k K, cmp func(a, b K) int) (int, bool) {
	i, found := slices.BinarySearchFunc(n.keys, k, cmp)
	if found {
		return i + 1, true
	}
	return i, false
}

func (n *innerNode[K]) route(k K, cmp func(a, b K) int) int {
	i, _ := n.locate(k, cmp)
	return i
}

// insertChild installs sep at keys[i] and right at children[i+1], where
// children[i] is the node right was split from.
func (n *innerNode[K]) insertChild(i int, sep K, right node[K]) {
	n.keys = slices.Insert(n.keys, i, sep)
	n.children = slices.Insert(n.children, i+1, right)
}

// removeChild drops keys[i] and children[i+1].
func (n *innerNode[K]) removeChild(i int) {
	n.keys = slices.Delete(n.keys, i, i+1)
	n.children = slices.Delete(n.children, i+1, i+2)
}

// split moves keys after the middle one, and the children to their right,
// into a new node. The middle key is returned for the parent and kept by
// neither half.
func (n *innerNode[K]) split(fanout int) (*innerNode[K], K) {
	mid := fanout / 2
	sep := n.keys[mid]
	sib := &innerNode[K]{children: slices.Clone(n.children[mid+1:])}
	sib.keys = slices.Clone(n.keys[mid+1:])

	clear(n.keys[mid:])
	clear(n.children[mid+1:])
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	return sib, sep
}

// borrowFromRight rotates through the parent: sep comes down onto n, the
// sibling's first child moves over, and the sibling's first key is
// returned as the parent's new separator.
func (n *innerNode[K]) borrowFromRight(sib *innerNode[K], sep K) K {
	up := sib.keys[0]
	n.keys = append(n.keys, sep)
	n.children = append(n.children, sib.children[0])
	sib.keys = slices.Delete(sib.keys, 0, 1)
	sib.children = slices.Delete(sib.children, 0, 1)
	return up
}

func (n *innerNode[K]) borrowFromLeft(sib *innerNode[K], sep K) K {
	last := len(sib.keys) - 1
	up := sib.keys[last]
	child := sib.children[last+1]
	sib.keys = slices.Delete(sib.keys, last, last+1)
	sib.children = slices.Delete(sib.children, last+1, last+2)
	n.keys = slices.Insert(n.keys, 0, sep)
	n.children = slices.Insert(n.children, 0, child)
	return up
}

// absorb pulls sep down between n and right and appends right's contents.
func (n *innerNode[K]) absorb(right *innerNode[K], sep K) {
	n.keys = append(n.keys, sep)
	n.keys = append(n.keys, right.keys...)
	n.children = append(n.children, right.children...)
	right.keys, right.children = nil, nil
}
