package cache

import (
	"bytes"
	"container/heap"

	"github.com/meticulous-software/meticulous/internal/protocol"
)

// lruItem is one evictable entry. seq is a monotonically increasing stamp
// set when the entry entered the heap; lower stamps evict first. Ties break
// on digest order so eviction is deterministic.
type lruItem struct {
	digest protocol.Digest
	seq    uint64
	index  int
}

type lruHeap []*lruItem

func (h lruHeap) Len() int { return len(h) }

func (h lruHeap) Less(i, j int) bool {
	if h[i].seq != h[j].seq {
		return h[i].seq < h[j].seq
	}
	return bytes.Compare(h[i].digest[:], h[j].digest[:]) < 0
}

func (h lruHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *lruHeap) Push(x any) {
	item := x.(*lruItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *lruHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

func (h *lruHeap) push(item *lruItem)  { heap.Push(h, item) }
func (h *lruHeap) popOldest() *lruItem { return heap.Pop(h).(*lruItem) }
func (h *lruHeap) remove(item *lruItem) {
	heap.Remove(h, item.index)
}
