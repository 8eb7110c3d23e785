// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// eventBuffer is a single-writer, multiple-reader, fixed length concurrent
// buffer of events that have been published. The buffer is a linked list
// which grows at the tail and is pruned at the head once it exceeds its
// configured maximum size.
//
// The buffer is written to by a single writer goroutine. Readers hold a
// pointer to a bufferItem and wait on its channel for the next item to be
// linked; they never block the writer. Once pruned from the buffer, an item
// remains readable by slow readers that still hold it, but advancing past a
// pruned item returns an error so the reader can resubscribe from the
// current head.
type eventBuffer struct {
	size *int64

	head atomic.Value
	tail atomic.Value

	maxSize int64
}

// newEventBuffer creates an eventBuffer that prunes itself down to size once
// grown past it.
func newEventBuffer(size int64) *eventBuffer {
	zero := int64(0)
	b := &eventBuffer{
		maxSize: size,
		size:    &zero,
	}

	item := newBufferItem(&structs.Events{})

	b.head.Store(item)
	b.tail.Store(item)

	return b
}

// Append a set of events from one committed transaction to the buffer and
// notify watchers of the new head.
func (b *eventBuffer) Append(events *structs.Events) {
	b.appendItem(newBufferItem(events))
}

func (b *eventBuffer) appendItem(item *bufferItem) {
	// Store the next item to the old tail
	oldTail := b.Tail()
	oldTail.link.next.Store(item)

	// Update the tail to the new item
	b.tail.Store(item)

	// Increment the buffer size
	atomic.AddInt64(b.size, int64(len(item.Events.Events)))

	// Check if we need to advance the head to keep the list
	// constrained to max size
	if atomic.LoadInt64(b.size) > b.maxSize {
		b.advanceHead()
	}

	// notify waiters next event is available
	close(oldTail.link.nextCh)
}

func newSentinelItem() *bufferItem {
	return newBufferItem(&structs.Events{})
}

// advanceHead drops the current head buffer item and notifies readers that
// the item should be discarded by closing droppedCh. Slow readers will
// prevent the old head from being garbage collected until they discard it.
func (b *eventBuffer) advanceHead() {
	old := b.Head()

	next := old.link.next.Load()
	if next == nil {
		next = newSentinelItem()
	}

	// notify readers that old is being dropped
	close(old.link.droppedCh)

	// store the next value to head
	b.head.Store(next)

	// If the old head is equal to the tail
	// update the tail value as well
	if old == b.Tail() {
		b.tail.Store(next)
	}

	// update the amount of events we have in the buffer
	rmCount := len(old.Events.Events)
	atomic.AddInt64(b.size, -int64(rmCount))
}

// Head returns the current head of the buffer. It will always exist but it
// may be a "sentinel" empty item with a nil Events slice to act as a parent
// for subscribers from the current index.
func (b *eventBuffer) Head() *bufferItem {
	return b.head.Load().(*bufferItem)
}

// Tail returns the current tail of the buffer. It will always exist but it
// may be a "sentinel" empty item with a nil Events slice to act as a parent
// for subscribers from the current index.
func (b *eventBuffer) Tail() *bufferItem {
	return b.tail.Load().(*bufferItem)
}

// StartAtClosest returns the closest bufferItem to a requested starting
// index as well as the offset between the requested index and returned one.
func (b *eventBuffer) StartAtClosest(index uint64) (*bufferItem, int) {
	item := b.Head()
	if index < item.Events.Index {
		return item, int(item.Events.Index) - int(index)
	}
	if item.Events.Index == index {
		return item, 0
	}

	for {
		prev := item
		item = item.NextNoBlock()
		if item == nil {
			return prev, int(index) - int(prev.Events.Index)
		}
		if index < item.Events.Index {
			return item, int(item.Events.Index) - int(index)
		}
		if index == item.Events.Index {
			return item, 0
		}
	}
}

// Len returns the current length of the buffer.
func (b *eventBuffer) Len() int {
	return int(atomic.LoadInt64(b.size))
}

// bufferItem represents a set of events published by a single transaction.
// The first item returned by a newly constructed buffer will have nil Events
// and should be ignored.
type bufferItem struct {
	// Events is the set of events published at one index. The slice and
	// contents should be treated as immutable once committed to the
	// buffer; the buffer and readers share them with no further copies.
	Events *structs.Events

	// link holds the next pointer and channel. This extra bit of
	// indirection allows us to splice buffer items out of the list while
	// leaving the chain of items for slow readers intact.
	link *bufferLink

	createdAt int64
}

type bufferLink struct {
	// next points to the next item in the buffer. It is an atomic.Value
	// holding a *bufferItem.
	next atomic.Value

	// nextCh is closed when the next item is linked.
	nextCh chan struct{}

	// droppedCh is closed when the item is dropped from the buffer due to
	// its size constraint.
	droppedCh chan struct{}
}

// newBufferItem returns a blank buffer item with a link and chan ready to
// have the fields set and be appended to a buffer.
func newBufferItem(events *structs.Events) *bufferItem {
	return &bufferItem{
		link: &bufferLink{
			nextCh:    make(chan struct{}),
			droppedCh: make(chan struct{}),
		},
		Events: events,
	}
}

// Next return the next buffer item in the buffer. It may block until ctx is
// cancelled or until the next item is published.
func (i *bufferItem) Next(ctx context.Context, forceClose <-chan struct{}) (*bufferItem, error) {
	// See if there is already a next value, block if so. Note we don't
	// rely on state change (chan nil) as that's not threadsafe but
	// detecting close is.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-forceClose:
		return nil, fmt.Errorf("subscription closed")
	case <-i.link.nextCh:
	}

	// Check if the reader is too slow and the event buffer as discarded
	// the event
	select {
	case <-i.link.droppedCh:
		return nil, fmt.Errorf("event dropped from buffer")
	default:
	}

	// If the next item is nil the consumer is catching up to the producer
	// and the next item hasn't been published yet.
	nextRaw := i.link.next.Load()
	if nextRaw == nil {
		return nil, errors.New("next item is nil")
	}
	return nextRaw.(*bufferItem), nil
}

// NextNoBlock returns the next item in the buffer without blocking. If the
// item is the most recent one, nil is returned.
func (i *bufferItem) NextNoBlock() *bufferItem {
	nextRaw := i.link.next.Load()
	if nextRaw == nil {
		return nil
	}
	return nextRaw.(*bufferItem)
}
