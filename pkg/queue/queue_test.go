package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveCommitPeekAdvance(t *testing.T) {
	q := New(4, 32)

	r, ok := q.Reserve(3)
	require.True(t, ok)
	copy(r.Payload, []byte{1, 2, 3})
	r.Commit()

	var ctr uint16
	dst := make([]byte, 256)
	n, slots := q.Peek(dst, 1500, &ctr)
	assert.Equal(t, 1, slots)
	assert.Equal(t, 7, n) // 4 byte header + 3 byte payload
	assert.EqualValues(t, 1, ctr)

	q.Advance(slots)
	assert.True(t, q.Empty())
}

func TestPeekStopsAtUncommittedSlot(t *testing.T) {
	q := New(4, 32)

	r1, ok := q.Reserve(2)
	require.True(t, ok)
	r1.Commit()

	_, ok = q.Reserve(2) // reserved but never committed
	require.True(t, ok)

	var ctr uint16
	dst := make([]byte, 256)
	_, slots := q.Peek(dst, 1500, &ctr)
	assert.Equal(t, 1, slots, "peek must not cross an uncommitted (RESERVED) slot")
}

func TestReserveFailsWhenFull(t *testing.T) {
	q := New(2, 16)
	for i := 0; i < 3; i++ {
		r, ok := q.Reserve(1)
		require.True(t, ok)
		r.Commit()
	}
	_, ok := q.Reserve(1)
	assert.False(t, ok, "capacity 2 means 3 physical slots; the 4th reservation must fail")
	assert.EqualValues(t, 1, q.Overrun())
}

func TestOverrunFoldsIntoNextPacketCounter(t *testing.T) {
	q := New(1, 16) // 2 physical slots

	r, _ := q.Reserve(1)
	r.Commit()
	r2, _ := q.Reserve(1)
	r2.Commit()
	_, ok := q.Reserve(1) // overflow, queue full
	require.False(t, ok)

	var ctr uint16
	dst := make([]byte, 256)
	_, slots := q.Peek(dst, 1500, &ctr)
	require.Equal(t, 2, slots)
	// First committed record's counter should have absorbed the 1 overrun:
	// ctr goes 0 -> (1 overrun skipped) 2 for record 1, then 3 for record 2.
	assert.EqualValues(t, 3, ctr)
}

func TestReserveRejectsOversizedPayload(t *testing.T) {
	q := New(4, 8)
	_, ok := q.Reserve(9)
	assert.False(t, ok)
}

func TestWaitUntilEmptyReturnsImmediatelyWhenEmpty(t *testing.T) {
	q := New(4, 16)
	assert.True(t, q.WaitUntilEmpty(0))
}

// property-style test: head is always >= tail, and the occupied slot
// count never exceeds capacity, across arbitrary reserve/commit/peek/
// advance interleavings.
func TestQueueInvariantHeadTailOrdering(t *testing.T) {
	q := New(8, 16)
	var ctr uint16
	dst := make([]byte, 4096)

	for round := 0; round < 50; round++ {
		for i := 0; i < 3; i++ {
			r, ok := q.Reserve(4)
			if ok {
				copy(r.Payload, []byte{byte(round), byte(i), 0, 0})
				r.Commit()
			}
		}
		_, slots := q.Peek(dst, 4096, &ctr)
		q.Advance(slots)

		head := q.head.Load()
		tail := q.tail.Load()
		require.GreaterOrEqual(t, head, tail)
		require.LessOrEqual(t, head-tail, uint64(q.slots))
	}
}
