// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/sentinel/structs"

	"github.com/stretchr/testify/require"
)

func TestEventBufferFuzz(t *testing.T) {
	ci.Parallel(t)

	nReaders := 1000
	nMessages := 1000

	b := newEventBuffer(1000)

	// Start a writer that will publish messages with contiguous indexes and
	// some jitter in timing (to allow clients to "catch up" and block
	// waiting for updates).
	go func() {
		seed := time.Now().UnixNano()
		t.Logf("Using seed %d", seed)
		// z is a Zipfian distribution that gives us a number of milliseconds
		// to sleep which are mostly low - near zero but occasionally spike
		// up to near 100.
		rnd := rand.New(rand.NewSource(seed))
		z := rand.NewZipf(rnd, 1.5, 1.5, 50)

		for i := 0; i < nMessages; i++ {
			// Event content is arbitrary, only the buffer semantics are
			// under test here.
			e := structs.Event{
				Index: uint64(i),
			}
			b.Append(&structs.Events{Index: uint64(i), Events: []structs.Event{e}})
			// Sleep sometimes for a while to let some subscribers catch up
			wait := time.Duration(z.Uint64()) * time.Millisecond
			time.Sleep(wait)
		}
	}()

	// Run n subscribers following and verifying
	errCh := make(chan error, nReaders)

	// Load head here so all subscribers start from the same place, or they
	// might not run until several events have been written.
	head := b.Head()

	for i := 0; i < nReaders; i++ {
		go func(i int) {
			expect := uint64(0)
			item := head
			var err error
			for {
				item, err = item.Next(context.Background(), nil)
				if err != nil {
					errCh <- fmt.Errorf("subscriber %05d failed getting next %d: %s", i, expect, err)
					return
				}
				if item.Events.Events[0].Index != expect {
					errCh <- fmt.Errorf("subscriber %05d got bad event want=%d, got=%d", i, expect, item.Events.Events[0].Index)
					return
				}
				expect++
				if expect == uint64(nMessages) {
					// Succeeded
					errCh <- nil
					return
				}
			}
		}(i)
	}

	// Wait for all readers to finish one way or other
	for i := 0; i < nReaders; i++ {
		err := <-errCh
		require.NoError(t, err)
	}
}

func TestEventBuffer_Len(t *testing.T) {
	ci.Parallel(t)

	b := newEventBuffer(100)
	for i := 1; i <= 10; i++ {
		b.Append(&structs.Events{Index: uint64(i), Events: []structs.Event{{Index: uint64(i)}}})
	}
	require.Equal(t, 10, b.Len())
}

// Ensure the buffer prunes the head once grown past its max size, and that
// readers still holding a pruned item observe the drop instead of stale
// data.
func TestEventBuffer_MaxSize_DroppedMessage(t *testing.T) {
	ci.Parallel(t)

	b := newEventBuffer(3)

	b.Append(&structs.Events{Index: 1, Events: []structs.Event{{Index: 1}}})
	item := b.Head()

	// Fill the buffer past max so early items get pruned
	for i := 2; i <= 6; i++ {
		b.Append(&structs.Events{Index: uint64(i), Events: []structs.Event{{Index: uint64(i)}}})
	}

	_, err := item.Next(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dropped")
}

func TestEventBuffer_StartAtClosest(t *testing.T) {
	ci.Parallel(t)

	b := newEventBuffer(100)
	for i := 1; i <= 10; i++ {
		b.Append(&structs.Events{Index: uint64(i), Events: []structs.Event{{Index: uint64(i)}}})
	}

	// Exact match
	item, offset := b.StartAtClosest(5)
	require.Equal(t, uint64(5), item.Events.Index)
	require.Equal(t, 0, offset)

	// Past the tail, returns the tail
	item, offset = b.StartAtClosest(99)
	require.Equal(t, uint64(10), item.Events.Index)
	require.Equal(t, 89, offset)
}

func TestEventBuffer_StartAtClosest_Pruned(t *testing.T) {
	ci.Parallel(t)

	b := newEventBuffer(5)
	for i := 1; i <= 10; i++ {
		b.Append(&structs.Events{Index: uint64(i), Events: []structs.Event{{Index: uint64(i)}}})
	}

	// Requested index was pruned so the head is the closest item
	item, offset := b.StartAtClosest(1)
	require.Equal(t, item.Events.Index, b.Head().Events.Index)
	require.Greater(t, offset, 0)
}
