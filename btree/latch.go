package btree

import "sync"

type latchMode uint8

const (
	shared latchMode = iota
	exclusive
)

type latch struct {
	mu   *sync.RWMutex
	mode latchMode
}

func (l latch) release() {
	if l.mode == exclusive {
		l.mu.Unlock()
	} else {
		l.mu.RUnlock()
	}
}

// lockChain is the list of latches one operation holds, oldest first.
// Positions are absolute: the first latch acquired is position 0 and a
// position keeps its number after the latches before it are released.
//
// Every operation defers releaseAll, so no exit path leaks a latch.
type lockChain struct {
	base int
	held []latch
}

// acquire blocks until mu is held in the given mode and returns its position.
func (c *lockChain) acquire(mu *sync.RWMutex, mode latchMode) int {
	if mode == exclusive {
		mu.Lock()
	} else {
		mu.RLock()
	}
	c.held = append(c.held, latch{mu: mu, mode: mode})
	return c.base + len(c.held) - 1
}

// releaseBefore releases every latch acquired before position pos.
func (c *lockChain) releaseBefore(pos int) {
	n := pos - c.base
	if n <= 0 {
		return
	}
	if n > len(c.held) {
		n = len(c.held)
	}
	for i := 0; i < n; i++ {
		c.held[i].release()
		c.held[i] = latch{}
	}
	c.held = c.held[n:]
	c.base += n
}

// releaseFrom releases the latch at pos and every latch acquired after it,
// newest first.
func (c *lockChain) releaseFrom(pos int) {
	n := pos - c.base
	if n < 0 {
		n = 0
	}
	for i := len(c.held) - 1; i >= n; i-- {
		c.held[i].release()
		c.held[i] = latch{}
	}
	if n < len(c.held) {
		c.held = c.held[:n]
	}
}

func (c *lockChain) releaseAll() {
	c.releaseFrom(c.base)
}

func (c *lockChain) holds(pos int) bool {
	return pos >= c.base && pos < c.base+len(c.held)
}
