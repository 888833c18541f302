// Package queue implements a lock-free-ish multi-producer/single-consumer
// transmit queue: many DAQ event producers and one command-response
// producer reserve variable-length slots, the single transport consumer
// drains committed slots into network segments.
//
// The backing buffer is laid out as (capacity+1) fixed-size slots rather
// than one raw byte ring. Records therefore never straddle a physical
// wrap point by construction — every slot either holds exactly one
// message or is free, so records never wrap across the buffer end
// without needing a separate padding/sentinel scheme. See DESIGN.md for
// the rationale.
package queue

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	xcp "github.com/samsamfire/goxcp"
)

// Slot commit-marker states, stored in the 2-byte ctr field of each slot
// until the consumer rewrites it with the real outgoing packet counter.
const (
	markerFree      uint16 = 0xFFFF
	markerReserved  uint16 = 0xFFFE
	markerCommitted uint16 = 0xFFFD
)

// Queue is the MPSC transmit queue. The zero value is not usable; use
// [New].
type Queue struct {
	slotSize int
	slots    int // physical slot count == capacity+1

	buf []byte

	producerMu sync.Mutex // serializes reservation; a spinlock would be equally valid
	head       atomic.Uint64

	tail atomic.Uint64

	overrun atomic.Uint32 // reservation failures since the last successful peek fold

	notify chan struct{} // set by commit, drained by WaitForData
}

// New creates a queue able to hold `capacity` outstanding entries, each up
// to maxEntryLen bytes of payload (header excluded). One extra slot is
// always allocated, so the backing buffer holds (capacity+1) slots.
func New(capacity int, maxEntryLen int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	slotSize := xcp.HeaderSize + maxEntryLen
	q := &Queue{
		slotSize: slotSize,
		slots:    capacity + 1,
		buf:      make([]byte, (capacity+1)*slotSize),
		notify:   make(chan struct{}, 1),
	}
	for i := 0; i < q.slots; i++ {
		binary.LittleEndian.PutUint16(q.slotAt(i)[2:4], markerFree)
	}
	return q
}

func (q *Queue) slotAt(i int) []byte {
	return q.buf[i*q.slotSize : (i+1)*q.slotSize]
}

// Reservation is a writable handle into a reserved slot. Call [Reservation.Commit]
// exactly once after filling Payload.
type Reservation struct {
	slot    []byte
	Payload []byte
}

// Commit atomically marks the reservation as ready for transmission. It
// must be the last thing the producer does with the reservation.
func (r *Reservation) Commit() {
	binary.LittleEndian.PutUint16(r.slot[2:4], markerCommitted)
}

// Reserve claims one slot for a message of payloadLen bytes. It returns
// ok=false (and bumps the overrun counter) if the queue is full or
// payloadLen exceeds the configured maxEntryLen.
func (q *Queue) Reserve(payloadLen int) (*Reservation, bool) {
	if xcp.HeaderSize+payloadLen > q.slotSize {
		q.overrun.Add(1)
		return nil, false
	}

	q.producerMu.Lock()
	head := q.head.Load()
	tail := q.tail.Load()
	if head-tail >= uint64(q.slots) {
		q.producerMu.Unlock()
		q.overrun.Add(1)
		return nil, false
	}
	idx := int(head % uint64(q.slots))
	slot := q.slotAt(idx)
	q.head.Store(head + 1)
	q.producerMu.Unlock()

	binary.LittleEndian.PutUint16(slot[0:2], uint16(payloadLen))
	binary.LittleEndian.PutUint16(slot[2:4], markerReserved)
	return &Reservation{slot: slot, Payload: slot[xcp.HeaderSize : xcp.HeaderSize+payloadLen]}, true
}

// NotifyWaiters wakes a goroutine blocked in [Queue.WaitForData]. Called
// after Commit by producers that want low-latency wakeups; purely an
// optimization, polling in WaitForData covers correctness.
func (q *Queue) NotifyWaiters() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Empty reports whether the consumer has drained every committed entry.
func (q *Queue) Empty() bool {
	return q.head.Load() == q.tail.Load()
}

// Overrun returns the number of reservation failures since the last
// Peek folded them into the packet counter, without resetting the counter.
func (q *Queue) Overrun() uint32 {
	return q.overrun.Load()
}

// Peek assembles committed, adjacent entries (rewriting each one's ctr
// field with the real outgoing packet counter, which wraps at 16 bits)
// into dst, stopping at the first RESERVED (not-yet-committed) slot, the
// head of the queue, or maxSegmentBytes (or len(dst)) — whichever comes
// first. Entries are copied slot by slot, so a batch may continue across
// the physical end of the ring.
// Overrun gaps accumulated since the previous successful Peek are folded
// into the first counter value of this batch so the master can detect
// them from the gap alone.
//
// It returns the number of bytes written to dst and how many slots were
// consumed; call [Queue.Advance] with that slot count after a successful
// transport send.
func (q *Queue) Peek(dst []byte, maxSegmentBytes int, packetCounter *uint16) (n int, slots int) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head == tail {
		return 0, 0
	}

	foldedOnce := false
	for tail+uint64(slots) < head {
		idx := int((tail + uint64(slots)) % uint64(q.slots))
		slot := q.slotAt(idx)
		ctr := binary.LittleEndian.Uint16(slot[2:4])
		if ctr != markerCommitted {
			break
		}
		dlc := binary.LittleEndian.Uint16(slot[0:2])
		recLen := xcp.HeaderSize + int(dlc)
		if n+recLen > len(dst) || n+recLen > maxSegmentBytes {
			break
		}

		skip := uint16(0)
		if !foldedOnce {
			skip = uint16(q.overrun.Swap(0))
			foldedOnce = true
		}
		*packetCounter += 1 + skip
		binary.LittleEndian.PutUint16(slot[2:4], *packetCounter)

		copy(dst[n:n+recLen], slot[:recLen])
		n += recLen
		slots++
	}
	return n, slots
}

// Advance releases `slots` consumed entries back to producers. Call only
// after the assembled segment was handed off successfully.
func (q *Queue) Advance(slots int) {
	if slots <= 0 {
		return
	}
	tail := q.tail.Load()
	for i := 0; i < slots; i++ {
		idx := int((tail + uint64(i)) % uint64(q.slots))
		binary.LittleEndian.PutUint16(q.slotAt(idx)[2:4], markerFree)
	}
	q.tail.Store(tail + uint64(slots))
}

// WaitUntilEmpty blocks in ~20ms increments until the queue has been
// fully drained or timeout elapses. Returns true if the queue was
// observed empty.
func (q *Queue) WaitUntilEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if q.Empty() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// WaitForData blocks until the queue is non-empty or ctx-like cancel
// channel `done` fires, waking either via [Queue.NotifyWaiters] or a
// ~1ms poll.
func (q *Queue) WaitForData(done <-chan struct{}) {
	if !q.Empty() {
		return
	}
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-q.notify:
			if !q.Empty() {
				return
			}
		case <-t.C:
			if !q.Empty() {
				return
			}
		}
	}
}
