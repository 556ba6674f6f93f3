package uplink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAllocatesNewEntry(t *testing.T) {
	q := newQueue()

	ok := q.push(0, 4096, 1, make(chan Result, 1))
	require.True(t, ok)
	assert.Equal(t, 1, q.len)
	assert.Equal(t, StateNew, q.entries[0].state)
	assert.Equal(t, -1, q.entries[0].coalescedInto)
}

func TestPushFailsWhenFull(t *testing.T) {
	q := newQueue()

	for i := 0; i < Capacity; i++ {
		require.True(t, q.push(uint64(i)*4096, uint64(i+1)*4096, uint64(i), make(chan Result, 1)))
	}

	assert.False(t, q.push(0, 4096, 999, make(chan Result, 1)))
}

func TestPushCoalescesOntoSuperset(t *testing.T) {
	q := newQueue()

	require.True(t, q.push(0, 16384, 1, make(chan Result, 1)))
	require.True(t, q.push(4096, 8192, 2, make(chan Result, 1)))

	assert.Equal(t, 2, q.len)
	assert.Equal(t, 0, q.entries[1].coalescedInto)
	// The coalesced entry's upstream range mirrors its parent's, not its own.
	assert.Equal(t, uint64(0), q.entries[1].start)
	assert.Equal(t, uint64(16384), q.entries[1].end)
	// Its client-visible range is untouched.
	assert.Equal(t, uint64(4096), q.entries[1].clientStart)
	assert.Equal(t, uint64(8192), q.entries[1].clientEnd)
}

func TestPushDoesNotCoalesceOntoLaterEntry(t *testing.T) {
	q := newQueue()

	// A superset pushed after a subset must not retroactively coalesce it.
	require.True(t, q.push(4096, 8192, 1, make(chan Result, 1)))
	require.True(t, q.push(0, 16384, 2, make(chan Result, 1)))

	assert.Equal(t, -1, q.entries[0].coalescedInto)
	assert.Equal(t, -1, q.entries[1].coalescedInto)
}

func TestNewEntriesExcludesCoalesced(t *testing.T) {
	q := newQueue()

	q.push(0, 16384, 1, make(chan Result, 1))
	q.push(4096, 8192, 2, make(chan Result, 1))

	assert.Equal(t, []int{0}, q.newEntries())
}

func TestMarkPendingPropagatesToCoalescedChildren(t *testing.T) {
	q := newQueue()

	q.push(0, 16384, 1, make(chan Result, 1))
	q.push(4096, 8192, 2, make(chan Result, 1))

	q.markPending(0)

	assert.Equal(t, StatePending, q.entries[0].state)
	assert.Equal(t, StatePending, q.entries[1].state)
}

func TestPendingEntriesExcludesCoalesced(t *testing.T) {
	q := newQueue()

	q.push(0, 16384, 1, make(chan Result, 1))
	q.push(4096, 8192, 2, make(chan Result, 1))
	q.markPending(0)

	assert.Equal(t, []int{0}, q.pendingEntries())
}

func TestMatchingReturnsCoveredEntriesInReverseOrder(t *testing.T) {
	q := newQueue()

	q.push(0, 16384, 1, make(chan Result, 1))
	q.push(4096, 8192, 2, make(chan Result, 1))
	q.markPending(0)
	q.entries[0].state = StateProcessing

	matches := q.matching(0, 16384)
	assert.Equal(t, []int{1, 0}, matches)
}

func TestMatchingExcludesOutOfRangeEntries(t *testing.T) {
	q := newQueue()

	q.push(8192, 12288, 1, make(chan Result, 1))
	q.markPending(0)

	assert.Empty(t, q.matching(0, 4096))
}

func TestFreeCompactsTrailingSlots(t *testing.T) {
	q := newQueue()

	q.push(0, 4096, 1, make(chan Result, 1))
	q.push(4096, 8192, 2, make(chan Result, 1))
	require.Equal(t, 2, q.len)

	q.free(1)
	assert.Equal(t, 1, q.len)

	q.free(0)
	assert.Equal(t, 0, q.len)
}

func TestFreeDoesNotCompactPastLiveEntries(t *testing.T) {
	q := newQueue()

	q.push(0, 4096, 1, make(chan Result, 1))
	q.push(4096, 8192, 2, make(chan Result, 1))

	q.free(0)
	// entries[0] is now free but entries[1] is still live, so len stays 2.
	assert.Equal(t, 2, q.len)
	assert.Equal(t, StateFree, q.entries[0].state)
}

func TestAllExcludesFreeSlots(t *testing.T) {
	q := newQueue()

	q.push(0, 4096, 1, make(chan Result, 1))
	q.push(4096, 8192, 2, make(chan Result, 1))
	q.free(0)

	// free(0) on a non-trailing slot can't compact, so both indices remain
	// within q.len; all() must still skip the freed one.
	assert.Equal(t, []int{1}, q.all())
}
