package daq

import (
	"encoding/binary"
	"testing"

	"github.com/samsamfire/goxcp/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ ticks uint64 }

func (c *fakeClock) NowTicks() uint64 { return c.ticks }

func setupSingleListEngine(t *testing.T) (*Engine, []byte) {
	t.Helper()
	a := NewArena(4096, 8, 255, 4)
	require.NoError(t, a.AllocDaq(1))
	require.NoError(t, a.AllocOdt(0, 1))
	require.NoError(t, a.AllocOdtEntry(0, 0, 2))
	require.NoError(t, a.WriteDaq(0, 0, 0, 2, 0, 0)) // 2 bytes @ offset 0
	require.NoError(t, a.WriteDaq(0, 0, 1, 4, 0, 2))  // 4 bytes @ offset 2
	require.NoError(t, a.SetDaqListMode(0, 7, 0, 0))
	require.NoError(t, a.StartStopDaqList(0, DaqListStart))

	events := NewEventTable([]Event{{}, {}, {}, {}, {}, {}, {}, {Name: "100ms"}})
	q := queue.New(4, 64)
	clock := &fakeClock{ticks: 0x1122}
	e := NewEngine(a, events, q, clock)

	base := make([]byte, 16)
	binary.LittleEndian.PutUint16(base[0:2], 0xAABB)
	binary.LittleEndian.PutUint32(base[2:6], 0xDEADBEEF)
	return e, base
}

func TestTriggerEventSamplesConfiguredEntries(t *testing.T) {
	e, base := setupSingleListEngine(t)

	err := e.TriggerEvent(7, base)
	require.NoError(t, err)

	var ctr uint16
	dst := make([]byte, 256)
	n, slots := e.Queue.Peek(dst, 1500, &ctr)
	require.Equal(t, 1, slots)

	// header(4) + odt_number(1) + daq_number(1) + timestamp(4) + entries(2+4)
	assert.Equal(t, 4+2+4+2+4, n)

	payload := dst[4:n]
	assert.EqualValues(t, 0, payload[0]) // odt number
	ts := binary.LittleEndian.Uint32(payload[2:6])
	assert.EqualValues(t, 0x1122, ts)
	assert.EqualValues(t, 0xAABB, binary.LittleEndian.Uint16(payload[6:8]))
	assert.EqualValues(t, 0xDEADBEEF, binary.LittleEndian.Uint32(payload[8:12]))
}

func TestTriggerEventNoOpWhenNoListsBound(t *testing.T) {
	e, base := setupSingleListEngine(t)
	err := e.TriggerEvent(99, base)
	require.NoError(t, err)
	assert.True(t, e.Queue.Empty())
}

func TestTriggerEventMarksOverrunWhenQueueFull(t *testing.T) {
	e, base := setupSingleListEngine(t)
	// Fill the 4+1=5 physical slots.
	for i := 0; i < 5; i++ {
		require.NoError(t, e.TriggerEvent(7, base))
	}
	require.NoError(t, e.TriggerEvent(7, base)) // should not error, just overrun
	assert.True(t, e.Arena.TakeOverrun(0))
}

func TestTriggerEventAbortsRemainingOdtsOnOverrun(t *testing.T) {
	a := NewArena(4096, 8, 255, 4)
	require.NoError(t, a.AllocDaq(2))
	require.NoError(t, a.AllocOdt(0, 1))
	require.NoError(t, a.AllocOdt(1, 1))
	require.NoError(t, a.AllocOdtEntry(0, 0, 1))
	require.NoError(t, a.AllocOdtEntry(1, 0, 1))
	require.NoError(t, a.WriteDaq(0, 0, 0, 2, 0, 0))
	require.NoError(t, a.WriteDaq(1, 0, 0, 2, 0, 0))
	require.NoError(t, a.SetDaqListMode(0, 0, 0, 0))
	require.NoError(t, a.SetDaqListMode(1, 0, 0, 0))
	require.NoError(t, a.StartStopDaqList(0, DaqListStart))
	require.NoError(t, a.StartStopDaqList(1, DaqListStart))

	events := NewEventTable([]Event{{}})
	q := queue.New(1, 64) // capacity 1 -> 2 physical slots
	e := NewEngine(a, events, q, &fakeClock{})

	// Occupy one of the two slots up front so only one of this event's
	// two ODTs can be reserved.
	dummy, ok := q.Reserve(4)
	require.True(t, ok)

	base := make([]byte, 16)
	require.NoError(t, e.TriggerEvent(0, base))

	// Retire the dummy reservation so Peek isn't blocked behind it.
	dummy.Commit()
	q.Advance(1)

	var ctr uint16
	dst := make([]byte, 256)
	_, slots := e.Queue.Peek(dst, 1500, &ctr)
	assert.Equal(t, 1, slots, "only the first list's ODT should have been sampled")
	assert.True(t, a.TakeOverrun(1), "second list should be marked overrun")
	assert.False(t, a.TakeOverrun(0), "first list sampled fine, not overrun")
}

func TestTriggerEventReportsOutOfBoundsEntry(t *testing.T) {
	a := NewArena(4096, 8, 255, 4)
	require.NoError(t, a.AllocDaq(1))
	require.NoError(t, a.AllocOdt(0, 1))
	require.NoError(t, a.AllocOdtEntry(0, 0, 1))
	require.NoError(t, a.WriteDaq(0, 0, 0, 4, 0, 1000)) // way out of bounds
	require.NoError(t, a.SetDaqListMode(0, 0, 0, 0))
	require.NoError(t, a.StartStopDaqList(0, DaqListStart))

	events := NewEventTable([]Event{{}})
	q := queue.New(4, 64)
	e := NewEngine(a, events, q, &fakeClock{})

	base := make([]byte, 16)
	err := e.TriggerEvent(0, base)
	assert.Error(t, err)
	var oobErr *ErrEntryOutOfBounds
	assert.ErrorAs(t, err, &oobErr)
}
