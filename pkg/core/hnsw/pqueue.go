package hnsw

import (
	"math"
	"sync"
)

// maxFrontier is the largest candidate frontier a layer search will ever
// keep, regardless of the requested ef.
const maxFrontier = 256

type qitem struct {
	node *Node
	dist float32
}

// priorityQueue is a fixed-capacity queue that retains only the 'capacity'
// items with the shortest distance. Items are kept sorted with higher
// distances first, so the best item sits at the end of the slice and pop
// runs in constant time. This makes insertion a little more involved, but
// pop is on the hottest path of the layer search.
type priorityQueue struct {
	items    []qitem
	capacity int
}

var queuePool = sync.Pool{
	New: func() any { return new(priorityQueue) },
}

// newQueue returns a queue from the pool, reset to the given capacity.
func newQueue(capacity int) *priorityQueue {
	q := queuePool.Get().(*priorityQueue)
	q.capacity = capacity
	if cap(q.items) < capacity {
		q.items = make([]qitem, 0, capacity)
	}
	q.items = q.items[:0]
	return q
}

// releaseQueue clears node references and returns the queue to the pool.
func releaseQueue(q *priorityQueue) {
	for i := range q.items {
		q.items[i].node = nil
	}
	queuePool.Put(q)
}

// push inserts maintaining distance order. When the queue is full a new item
// worse than the current worst is ignored, otherwise the worst is dropped.
func (q *priorityQueue) push(node *Node, dist float32) {
	if len(q.items) < q.capacity {
		// Queue not full: shift right from high distances to make room.
		q.items = append(q.items, qitem{})
		i := len(q.items) - 1
		for i > 0 && q.items[i-1].dist < dist {
			q.items[i] = q.items[i-1]
			i--
		}
		q.items[i] = qitem{node: node, dist: dist}
		return
	}

	if dist >= q.items[0].dist {
		return
	}

	// Shift left from low distances to drop the worst item.
	i := 0
	for i < q.capacity-1 && q.items[i+1].dist > dist {
		q.items[i] = q.items[i+1]
		i++
	}
	q.items[i] = qitem{node: node, dist: dist}
}

// pop removes and returns the closest item, which is at the end of the
// slice since higher distances are stored first.
func (q *priorityQueue) pop() (*Node, float32, bool) {
	if len(q.items) == 0 {
		return nil, 0, false
	}
	it := q.items[len(q.items)-1]
	q.items[len(q.items)-1].node = nil
	q.items = q.items[:len(q.items)-1]
	return it.node, it.dist, true
}

func (q *priorityQueue) len() int { return len(q.items) }

// best returns the i-th closest item without mutating the queue.
func (q *priorityQueue) best(i int) (*Node, float32) {
	it := q.items[len(q.items)-1-i]
	return it.node, it.dist
}

// maxDistance is the distance of the furthest item held. An empty queue
// reports an infinite distance; the search admission tests rely on this.
func (q *priorityQueue) maxDistance() float32 {
	if len(q.items) == 0 {
		return float32(math.Inf(1))
	}
	return q.items[0].dist
}
