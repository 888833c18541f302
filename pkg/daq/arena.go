// Package daq implements the DAQ configuration arena and the per-event
// sampling engine.
package daq

import (
	"errors"
	"sync"
)

// ArenaMagic is written into the arena header as a cheap validity tag,
// checked by the engine before it trusts a DAQ list at event time.
const ArenaMagic uint16 = 0xBEAC

// MaxCount is the hard ceiling on the number of DAQ lists, ODTs or ODT
// entries the arena will allocate.
const MaxCount = 65535

var (
	ErrMemoryOverflow = errors.New("daq: arena memory_overflow")
	ErrOutOfRange     = errors.New("daq: index out of range")
	ErrDaqConfig      = errors.New("daq: invalid configuration sequence")
	ErrSequence       = errors.New("daq: commands issued out of sequence")
)

// List bit flags for DaqList.State.
const (
	ListSelected uint8 = 1 << iota
	ListRunning
	ListOverrun
)

// DaqList is one configured DAQ list: a run of ODTs sharing one event
// trigger.
type DaqList struct {
	FirstOdt     uint16
	LastOdt      uint16
	EventChannel uint16
	AddrExt      uint8
	AddrExtSet   bool
	Mode         uint8
	State        uint8
	Priority     uint8
}

func (l *DaqList) odtCount() uint16 {
	if l.LastOdt < l.FirstOdt {
		return 0
	}
	return l.LastOdt - l.FirstOdt + 1
}

// Odt is one Object Descriptor Table: one DTO's worth of concatenated
// entries.
type Odt struct {
	FirstEntry uint16
	LastEntry  uint16
	ByteSize   uint16
}

func (o *Odt) entryCount() uint16 {
	if o.LastEntry < o.FirstEntry {
		return 0
	}
	return o.LastEntry - o.FirstEntry + 1
}

// OdtEntry is one (offset, size) scalar sample.
type OdtEntry struct {
	Offset int32
	Size   uint8
}

// Arena holds the three variable-length DAQ tables as typed slices inside
// one owning value rather than a byte-buffer union. Allocation is
// monotonic within one FREE_DAQ..START_STOP_SYNCH configuration cycle;
// MemSize bounds the notional byte budget the way the original arena's
// fixed-size buffer did, even though Go slices grow independently.
type Arena struct {
	mu sync.Mutex

	MemSize         int
	MaxOdtEntrySize int
	MaxDtoSize      int
	TimestampSize   int // 4 or 8

	magic   uint16
	used    int
	lists   []DaqList
	odts    []Odt
	entries []OdtEntry

	nextOdt   uint16
	nextEntry uint16
}

// NewArena returns an empty, valid arena sized per the given byte budget
// and per-entry/DTO limits.
func NewArena(memSize, maxOdtEntrySize, maxDtoSize, timestampSize int) *Arena {
	a := &Arena{
		MemSize:         memSize,
		MaxOdtEntrySize: maxOdtEntrySize,
		MaxDtoSize:      maxDtoSize,
		TimestampSize:   timestampSize,
		magic:           ArenaMagic,
	}
	return a
}

// Valid reports whether the arena's header tag is intact, the cheap
// sanity check the event-sampling hot path performs before trusting any
// DAQ list.
func (a *Arena) Valid() bool { return a.magic == ArenaMagic }

const (
	sizeofDaqList  = 8
	sizeofOdt      = 6
	sizeofOdtEntry = 5
)

// FreeDaq clears the entire configuration, as CONNECT and the FREE_DAQ
// command require.
func (a *Arena) FreeDaq() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lists = nil
	a.odts = nil
	a.entries = nil
	a.used = 0
	a.nextOdt = 0
	a.nextEntry = 0
	a.magic = ArenaMagic
}

// AllocDaq allocates n fresh DAQ lists. Must follow FREE_DAQ; calling it
// again without an intervening FREE_DAQ is a sequence error in the
// caller's dispatcher, not enforced here — the arena itself is happy to
// append monotonically; ordering is a protocol-layer concern.
func (a *Arena) AllocDaq(n uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.lists)+int(n) > MaxCount {
		return ErrMemoryOverflow
	}
	need := int(n) * sizeofDaqList
	if a.used+need > a.MemSize {
		return ErrMemoryOverflow
	}
	for i := uint16(0); i < n; i++ {
		a.lists = append(a.lists, DaqList{})
	}
	a.used += need
	return nil
}

// AllocOdt appends m ODTs to daq list `daq`, assigning it the resulting
// contiguous [first_odt,last_odt] range.
func (a *Arena) AllocOdt(daqIdx uint16, m uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(daqIdx) >= len(a.lists) {
		return ErrOutOfRange
	}
	if len(a.odts)+int(m) > MaxCount {
		return ErrMemoryOverflow
	}
	need := int(m) * sizeofOdt
	if a.used+need > a.MemSize {
		return ErrMemoryOverflow
	}
	first := a.nextOdt
	for i := uint16(0); i < m; i++ {
		a.odts = append(a.odts, Odt{})
	}
	a.nextOdt += m
	a.used += need

	l := &a.lists[daqIdx]
	if l.odtCount() == 0 {
		l.FirstOdt = first
	}
	l.LastOdt = a.nextOdt - 1
	return nil
}

// AllocOdtEntry appends k entries to odt `odt` of daq list `daqIdx`.
func (a *Arena) AllocOdtEntry(daqIdx, odtIdx uint16, k uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(daqIdx) >= len(a.lists) {
		return ErrOutOfRange
	}
	l := &a.lists[daqIdx]
	globalOdt := l.FirstOdt + odtIdx
	if odtIdx >= l.odtCount() || int(globalOdt) >= len(a.odts) {
		return ErrOutOfRange
	}
	if len(a.entries)+int(k) > MaxCount {
		return ErrMemoryOverflow
	}
	need := int(k) * sizeofOdtEntry
	if a.used+need > a.MemSize {
		return ErrMemoryOverflow
	}
	first := a.nextEntry
	for i := uint16(0); i < k; i++ {
		a.entries = append(a.entries, OdtEntry{})
	}
	a.nextEntry += k
	a.used += need

	o := &a.odts[globalOdt]
	if o.entryCount() == 0 {
		o.FirstEntry = first
	}
	o.LastEntry = a.nextEntry - 1
	return nil
}

// WriteDaq configures the ODT entry currently addressed by cursor
// (daq, odt, entry): its byte size, address extension and signed offset.
// The offset is taken directly from addr — for ABS addressing this is an
// address already expressed relative to the application's reported base;
// for DYN addressing addr already carries the event-relative encoding
// the dispatcher's single bounds-checked resolution helper assumes.
func (a *Arena) WriteDaq(daqIdx, odtIdx, entryIdx uint16, size uint8, ext uint8, addr uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size < 1 || int(size) > a.MaxOdtEntrySize {
		return ErrOutOfRange
	}
	if int(daqIdx) >= len(a.lists) {
		return ErrOutOfRange
	}
	l := &a.lists[daqIdx]
	globalOdt := l.FirstOdt + odtIdx
	if odtIdx >= l.odtCount() || int(globalOdt) >= len(a.odts) {
		return ErrOutOfRange
	}
	o := &a.odts[globalOdt]
	globalEntry := o.FirstEntry + entryIdx
	if entryIdx >= o.entryCount() || int(globalEntry) >= len(a.entries) {
		return ErrOutOfRange
	}

	headerSize := 2
	tsSize := 0
	if odtIdx == 0 {
		tsSize = a.TimestampSize
	}
	newByteSize := int(o.ByteSize) + int(size)
	if newByteSize > a.MaxDtoSize-headerSize-tsSize {
		return ErrOutOfRange
	}

	if l.AddrExtSet && l.AddrExt != ext {
		return ErrOutOfRange
	}

	a.entries[globalEntry] = OdtEntry{Offset: int32(addr), Size: size}
	o.ByteSize = uint16(newByteSize)

	l.AddrExt = ext
	l.AddrExtSet = true
	return nil
}

// SetDaqListMode assigns the event channel, mode byte and priority of a
// DAQ list (SET_DAQ_LIST_MODE).
func (a *Arena) SetDaqListMode(daqIdx uint16, event uint16, mode uint8, priority uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(daqIdx) >= len(a.lists) {
		return ErrOutOfRange
	}
	a.lists[daqIdx].EventChannel = event
	a.lists[daqIdx].Mode = mode
	a.lists[daqIdx].Priority = priority
	return nil
}

// DaqListMode returns the (event, mode, priority) triple last set for a
// DAQ list, for GET_DAQ_LIST_MODE.
func (a *Arena) DaqListMode(daqIdx uint16) (event uint16, mode uint8, priority uint8, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(daqIdx) >= len(a.lists) {
		return 0, 0, 0, ErrOutOfRange
	}
	l := a.lists[daqIdx]
	return l.EventChannel, l.Mode, l.Priority, nil
}

// Select/Start/Stop mode values for START_STOP_DAQ_LIST.
const (
	DaqListStop   uint8 = 0
	DaqListStart  uint8 = 1
	DaqListSelect uint8 = 2
)

// StartStopDaqList applies one of Stop/Start/Select to a single DAQ
// list.
func (a *Arena) StartStopDaqList(daqIdx uint16, mode uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(daqIdx) >= len(a.lists) {
		return ErrOutOfRange
	}
	l := &a.lists[daqIdx]
	switch mode {
	case DaqListStop:
		l.State &^= ListRunning | ListSelected
	case DaqListStart:
		l.State |= ListRunning
		l.State &^= ListOverrun
	case DaqListSelect:
		l.State |= ListSelected
	default:
		return ErrOutOfRange
	}
	return nil
}

// Synch mode values for START_STOP_SYNCH.
const (
	SynchStopAll       uint8 = 0
	SynchStartSelected uint8 = 1
	SynchStopSelected  uint8 = 2
	SynchPrepare       uint8 = 3
)

// StartStopSynch applies a global synchronization command across all
// configured DAQ lists.
func (a *Arena) StartStopSynch(mode uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch mode {
	case SynchStopAll:
		for i := range a.lists {
			a.lists[i].State &^= ListRunning | ListSelected
		}
	case SynchStartSelected:
		for i := range a.lists {
			if a.lists[i].State&ListSelected != 0 {
				a.lists[i].State |= ListRunning
				a.lists[i].State &^= ListSelected | ListOverrun
			}
		}
	case SynchStopSelected:
		for i := range a.lists {
			if a.lists[i].State&ListSelected != 0 {
				a.lists[i].State &^= ListRunning | ListSelected
			}
		}
	case SynchPrepare:
		// No arena state change; the protocol layer invokes
		// Application.PrepareDaq separately.
	default:
		return ErrOutOfRange
	}
	return nil
}

// Lists returns a read-only view of all configured DAQ lists.
func (a *Arena) Lists() []DaqList {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]DaqList, len(a.lists))
	copy(out, a.lists)
	return out
}

// ListsForEvent returns the indices of DAQ lists bound to `event`,
// linearly scanned; a per-event linked list built at configuration time
// would give O(1) dispatch, but the linear scan is adequate up to a few
// hundred DAQ lists. Callers needing constant-time dispatch at scale
// should build their own index from [Arena.Lists] after configuration
// settles.
func (a *Arena) ListsForEvent(event uint16) []uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []uint16
	for i := range a.lists {
		if a.lists[i].EventChannel == event && a.lists[i].State&ListRunning != 0 {
			out = append(out, uint16(i))
		}
	}
	return out
}

// ODTs returns a read-only view of the ODTs belonging to DAQ list daqIdx.
func (a *Arena) ODTs(daqIdx uint16) []Odt {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(daqIdx) >= len(a.lists) {
		return nil
	}
	l := a.lists[daqIdx]
	if l.odtCount() == 0 {
		return nil
	}
	out := make([]Odt, l.odtCount())
	copy(out, a.odts[l.FirstOdt:l.LastOdt+1])
	return out
}

// Entries returns a read-only view of the entries belonging to one ODT.
func (a *Arena) Entries(o Odt) []OdtEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o.entryCount() == 0 {
		return nil
	}
	out := make([]OdtEntry, o.entryCount())
	copy(out, a.entries[o.FirstEntry:o.LastEntry+1])
	return out
}

// MarkOverrun flags a DAQ list as having dropped a frame; TakeOverrun
// reads and clears the flag. The engine never sets the ODT-number high
// bit, so the master sees an overrun only as a gap in the packet
// counter, per the overrun-indication design chosen in DESIGN.md.
func (a *Arena) MarkOverrun(daqIdx uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(daqIdx) < len(a.lists) {
		a.lists[daqIdx].State |= ListOverrun
	}
}

// TakeOverrun clears and reports whether daqIdx had a pending overrun
// flag.
func (a *Arena) TakeOverrun(daqIdx uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(daqIdx) >= len(a.lists) {
		return false
	}
	had := a.lists[daqIdx].State&ListOverrun != 0
	a.lists[daqIdx].State &^= ListOverrun
	return had
}
