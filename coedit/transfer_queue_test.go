package coedit

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTransferQueue(t *testing.T) {
	type myTransferItem struct {
		transferItem
	}

	queue := newTransferQueue[*myTransferItem]()

	size, byteSize := queue.QueueSize()
	assert.Equal(t, 0, size)
	assert.Equal(t, ByteCount(0), byteSize)

	n := 100

	items := []*myTransferItem{}
	for i := 0; i < n; i += 1 {
		items = append(items, &myTransferItem{
			transferItem: transferItem{
				sequenceNumber: uint64(i),
				byteCount:      ByteCount(1),
			},
		})
	}

	mathrand.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
	for _, item := range items {
		assert.Equal(t, queue.Add(item), true)
	}
	// one item per sequence number
	assert.Equal(t, queue.Add(&myTransferItem{
		transferItem: transferItem{
			sequenceNumber: 7,
			byteCount:      ByteCount(1),
		},
	}), false)

	for i := 0; i < n; i += 1 {
		assert.Equal(t, queue.ContainsSequenceNumber(uint64(i)), true)
	}

	for i := 0; i < n; i += 1 {
		size, byteSize = queue.QueueSize()
		assert.Equal(t, n-i, size)
		assert.Equal(t, ByteCount(n-i), byteSize)

		assert.Equal(t, uint64(i), queue.PeekFirst().sequenceNumber)

		first := queue.RemoveFirst()
		assert.Equal(t, uint64(i), first.sequenceNumber)
		assert.Equal(t, queue.ContainsSequenceNumber(uint64(i)), false)
	}
	size, byteSize = queue.QueueSize()
	assert.Equal(t, 0, size)
	assert.Equal(t, ByteCount(0), byteSize)
	assert.Equal(t, queue.PeekFirst() == nil, true)
	assert.Equal(t, queue.RemoveFirst() == nil, true)

	// random removal keeps the heap order
	for _, item := range items {
		queue.Add(item)
	}
	for i := 0; i < n; i += 2 {
		item := queue.RemoveBySequenceNumber(uint64(i))
		assert.Equal(t, uint64(i), item.sequenceNumber)
	}
	assert.Equal(t, queue.RemoveBySequenceNumber(0) == nil, true)
	for i := 1; i < n; i += 2 {
		assert.Equal(t, uint64(i), queue.RemoveFirst().sequenceNumber)
	}

	queue.Add(items[0])
	queue.Clear()
	size, byteSize = queue.QueueSize()
	assert.Equal(t, 0, size)
	assert.Equal(t, ByteCount(0), byteSize)
}
