// Package util
//
// This file provides a keyed min-heap used to schedule entry expiry.
//
// The heap is combined with a map so that the deadline of a key can be moved
// (an entry was rewritten or touched) or dropped (an entry was removed) in
// O(log n) without scanning. Peek always yields the earliest deadline.
//
// The heap is not thread-safe; callers guard it with their own lock.
package util

import (
	"container/heap"
	"fmt"
)

// HeapItem is a scheduled key together with its deadline
type HeapItem[K comparable] struct {
	Key      K
	Priority int64
	index    int
}

func (i *HeapItem[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap over priorities with key based access
type MapHeap[K comparable] struct {
	items    []*HeapItem[K]
	itemsMap map[K]*HeapItem[K]
}

// NewMapHeap creates an empty heap
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make([]*HeapItem[K], 0),
		itemsMap: make(map[K]*HeapItem[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *MapHeap[K]) Len() int { return len(h.items) }

func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap[K]) Push(x interface{}) {
	it := x.(*HeapItem[K])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

func (h *MapHeap[K]) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Keyed operations
// --------------------------------------------------------------------------

// AddItem schedules key at priority or moves an existing key to the new priority
func (h *MapHeap[K]) AddItem(key K, priority int64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &HeapItem[K]{Key: key, Priority: priority})
}

// RemoveByKey unschedules key and returns its former priority
func (h *MapHeap[K]) RemoveByKey(key K) (int64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the lowest priority without removing it
func (h *MapHeap[K]) Peek() (*HeapItem[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// PopDue removes and returns all items with a priority <= limit, earliest first
func (h *MapHeap[K]) PopDue(limit int64) []K {
	var due []K
	for len(h.items) > 0 && h.items[0].Priority <= limit {
		it := heap.Pop(h).(*HeapItem[K])
		due = append(due, it.Key)
	}
	return due
}

// Contains checks if key is scheduled
func (h *MapHeap[K]) Contains(key K) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// Clear drops every scheduled key
func (h *MapHeap[K]) Clear() {
	h.items = h.items[:0]
	clear(h.itemsMap)
}
