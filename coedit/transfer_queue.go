package coedit

import (
	"container/heap"
	"sync"
)

type transferQueueItem interface {
	SequenceNumber() uint64
	ByteCount() ByteCount
	HeapIndex() int
	SetHeapIndex(int)
}

type transferItem struct {
	sequenceNumber uint64
	byteCount      ByteCount

	// the index of the item in the heap
	heapIndex int
}

// transferQueueItem implementation

func (self *transferItem) SequenceNumber() uint64 {
	return self.sequenceNumber
}

func (self *transferItem) ByteCount() ByteCount {
	return self.byteCount
}

func (self *transferItem) HeapIndex() int {
	return self.heapIndex
}

func (self *transferItem) SetHeapIndex(heapIndex int) {
	self.heapIndex = heapIndex
}

// ordered by sequence number ascending
// at most one item per sequence number
type transferQueue[T transferQueueItem] struct {
	orderedItems        []T
	sequenceNumberItems map[uint64]T
	byteCount           ByteCount
	stateLock           sync.Mutex
}

func newTransferQueue[T transferQueueItem]() *transferQueue[T] {
	transferQueue := &transferQueue[T]{
		orderedItems:        []T{},
		sequenceNumberItems: map[uint64]T{},
		byteCount:           0,
	}
	heap.Init(transferQueue)
	return transferQueue
}

func (self *transferQueue[T]) QueueSize() (int, ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems), self.byteCount
}

// returns false if an item with the same sequence number is already queued
func (self *transferQueue[T]) Add(item T) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.sequenceNumberItems[item.SequenceNumber()]; ok {
		return false
	}
	self.sequenceNumberItems[item.SequenceNumber()] = item
	heap.Push(self, item)
	self.byteCount += item.ByteCount()
	return true
}

func (self *transferQueue[T]) ContainsSequenceNumber(sequenceNumber uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.sequenceNumberItems[sequenceNumber]
	return ok
}

func (self *transferQueue[T]) RemoveBySequenceNumber(sequenceNumber uint64) T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.sequenceNumberItems[sequenceNumber]
	if !ok {
		var empty T
		return empty
	}
	delete(self.sequenceNumberItems, sequenceNumber)
	item_ := heap.Remove(self, item.HeapIndex())
	if any(item) != item_ {
		panic("Heap invariant broken.")
	}
	self.byteCount -= item.ByteCount()
	return item
}

func (self *transferQueue[T]) RemoveFirst() T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		var empty T
		return empty
	}

	item := heap.Remove(self, 0).(T)
	delete(self.sequenceNumberItems, item.SequenceNumber())
	self.byteCount -= item.ByteCount()
	return item
}

func (self *transferQueue[T]) PeekFirst() T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		var empty T
		return empty
	}
	return self.orderedItems[0]
}

func (self *transferQueue[T]) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.orderedItems = []T{}
	self.sequenceNumberItems = map[uint64]T{}
	self.byteCount = 0
}

// heap.Interface

func (self *transferQueue[T]) Push(x any) {
	item := x.(T)
	item.SetHeapIndex(len(self.orderedItems))
	self.orderedItems = append(self.orderedItems, item)
}

func (self *transferQueue[T]) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	var empty T
	item := self.orderedItems[i]
	self.orderedItems[i] = empty
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *transferQueue[T]) Len() int {
	return len(self.orderedItems)
}

func (self *transferQueue[T]) Less(i int, j int) bool {
	return self.orderedItems[i].SequenceNumber() < self.orderedItems[j].SequenceNumber()
}

func (self *transferQueue[T]) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.SetHeapIndex(i)
	self.orderedItems[i] = b
	a.SetHeapIndex(j)
	self.orderedItems[j] = a
}
