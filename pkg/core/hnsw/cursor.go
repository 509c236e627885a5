package hnsw

// Cursor iterates over every node that stays alive from the start to the
// end of the iteration. Elements inserted after the cursor was created are
// excluded; elements deleted mid-iteration are skipped, since a deletion
// advances any cursor pointing at the deleted node to its successor.
type Cursor struct {
	index   *Index
	current *Node
	next    *Cursor
}

// NewCursor returns a cursor positioned at the start of the node list.
// Close it when done, or the index will keep fixing it up on deletions.
func (idx *Index) NewCursor() *Cursor {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cursor := &Cursor{
		index:   idx,
		current: idx.head,
		next:    idx.cursors,
	}
	idx.cursors = cursor
	return cursor
}

// Acquire takes the shared lock for the cursor. The node returned by the
// following Next call stays valid until Release.
func (c *Cursor) Acquire() {
	c.index.mu.RLock()
}

// Release drops the shared lock taken by Acquire.
func (c *Cursor) Release() {
	c.index.mu.RUnlock()
}

// Next returns the next node, or nil at the end of the iteration. Call
// between Acquire and Release.
func (c *Cursor) Next() *Node {
	ret := c.current
	if ret != nil {
		c.current = ret.next
	}
	return ret
}

// Close detaches the cursor from the index. Safe to call before the
// iteration is exhausted.
func (c *Cursor) Close() {
	idx := c.index
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var prev *Cursor
	for x := idx.cursors; x != nil; x = x.next {
		if x == c {
			if prev != nil {
				prev.next = c.next
			} else {
				idx.cursors = c.next
			}
			break
		}
		prev = x
	}
}

// cursorElementDeleted advances any cursor about to yield the deleted node.
// Called under the exclusive lock by unlinkNode.
func (idx *Index) cursorElementDeleted(deleted *Node) {
	for x := idx.cursors; x != nil; x = x.next {
		if x.current == deleted {
			x.current = deleted.next
		}
	}
}
