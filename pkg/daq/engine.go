package daq

import (
	"encoding/binary"
	"fmt"
	"sync"

	xcp "github.com/samsamfire/goxcp"
	"github.com/samsamfire/goxcp/pkg/queue"
)

// Engine samples configured DAQ lists on event triggers, implementing
// the reserve -> header -> timestamp -> copy -> commit -> flush sequence.
type Engine struct {
	Arena  *Arena
	Events *EventTable
	Queue  *queue.Queue
	Clock  xcp.Clock

	// One mutex per event channel serializes the (timestamp read,
	// queue reservation) pair for that channel so two goroutines
	// triggering the same event concurrently cannot interleave their
	// reservations out of timestamp order.
	eventMu []sync.Mutex
}

// NewEngine wires an arena, event table, transmit queue and clock source
// into a sampling engine.
func NewEngine(arena *Arena, events *EventTable, q *queue.Queue, clock xcp.Clock) *Engine {
	return &Engine{
		Arena:   arena,
		Events:  events,
		Queue:   q,
		Clock:   clock,
		eventMu: make([]sync.Mutex, events.Count()),
	}
}

// resolveEntry bounds-checks an ODT entry's (offset, size) against the
// application's base memory slice before copying out of it, in place of
// the original's unchecked pointer arithmetic.
func resolveEntry(base []byte, offset int32, size uint8) ([]byte, bool) {
	if offset < 0 || size == 0 {
		return nil, false
	}
	start := int(offset)
	end := start + int(size)
	if end > len(base) || start > end {
		return nil, false
	}
	return base[start:end], true
}

// ErrEntryOutOfBounds is returned (wrapped with the offending address)
// when a configured ODT entry resolves outside the supplied base slice.
// The entry's bytes in the DTO are left zeroed, sampling continues with
// the remaining entries, ODTs and lists, and TriggerEvent returns the
// first such error; the DAQ list is not marked as overrun.
type ErrEntryOutOfBounds struct {
	Daq    uint16
	Offset int32
	Size   uint8
}

func (e *ErrEntryOutOfBounds) Error() string {
	return fmt.Sprintf("daq: list %d entry at offset %d size %d is out of bounds", e.Daq, e.Offset, e.Size)
}

// TriggerEvent samples every running DAQ list bound to `event` against
// `base` (the application's measurement memory for this event) and
// enqueues one DTO per ODT. It never blocks on the transport; a full
// transmit queue is recorded as an overrun on the owning DAQ list and
// the remaining ODTs/lists for this event are skipped.
func (e *Engine) TriggerEvent(event uint16, base []byte) error {
	if !e.Arena.Valid() {
		return fmt.Errorf("daq: arena magic corrupted")
	}

	lists := e.Arena.ListsForEvent(event)
	if len(lists) == 0 {
		return nil
	}

	var mu *sync.Mutex
	if int(event) < len(e.eventMu) {
		mu = &e.eventMu[event]
		mu.Lock()
		defer mu.Unlock()
	}

	ticks := e.Clock.NowTicks()

	var firstErr error
sampling:
	for _, daqIdx := range lists {
		odts := e.Arena.ODTs(daqIdx)
		for odtNumber, o := range odts {
			overrun, err := e.sampleOdt(daqIdx, uint16(odtNumber), o, base, ticks)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if overrun {
				// Reservation failure: skip the remaining ODTs/lists for
				// this event instead of continuing to race a full queue.
				break sampling
			}
		}
	}
	e.Queue.NotifyWaiters()
	return firstErr
}

// sampleOdt samples one ODT. overrun is true when the transmit queue had
// no room for it, in which case err is always nil and the caller must
// stop sampling the rest of this event.
func (e *Engine) sampleOdt(daqIdx uint16, odtNumber uint16, o Odt, base []byte, ticks uint64) (overrun bool, err error) {
	tsLen := 0
	if odtNumber == 0 {
		tsLen = e.Arena.TimestampSize
	}
	payloadLen := 2 + tsLen + int(o.ByteSize)

	r, ok := e.Queue.Reserve(payloadLen)
	if !ok {
		e.Arena.MarkOverrun(daqIdx)
		return true, nil
	}

	buf := r.Payload
	buf[0] = byte(odtNumber)
	buf[1] = byte(daqIdx)
	pos := 2
	if tsLen == 4 {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(ticks))
		pos += 4
	} else if tsLen == 8 {
		binary.LittleEndian.PutUint64(buf[pos:pos+8], ticks)
		pos += 8
	}

	var firstErr error
	for _, entry := range e.Arena.Entries(o) {
		data, ok := resolveEntry(base, entry.Offset, entry.Size)
		if !ok {
			// Leave the slot's bytes zeroed for this entry rather than
			// aborting the whole ODT; record the first failure so the
			// caller can log/count it.
			if firstErr == nil {
				firstErr = &ErrEntryOutOfBounds{Daq: daqIdx, Offset: entry.Offset, Size: entry.Size}
			}
			pos += int(entry.Size)
			continue
		}
		copy(buf[pos:pos+int(entry.Size)], data)
		pos += int(entry.Size)
	}

	r.Commit()
	return false, firstErr
}
