package xcp

import (
	"sync"
	"sync/atomic"
)

// Status bits, combined into one word so a reader thread (the DAQ event
// engine) can observe them with a single atomic load instead of taking a
// lock shared with the command thread.
const (
	StatusInitialized uint32 = 1 << iota
	StatusStarted
	StatusConnected
	StatusLegacyMode
	StatusDaqRunning
	StatusCmdPending
)

// AddrExt enumerates the address extensions this server understands for
// memory-transfer commands. Values are a local convention; ExtA2L reads
// back the identification bytes the last GET_ID stored in the dispatcher.
type AddrExt uint8

const (
	ExtAbs AddrExt = iota // resolved against Application.GetBaseAddr
	ExtApp                // resolved via Application.GetPointer
	ExtDyn                // base-relative, deferred until the bound event fires
	ExtA2L                // served from the dispatcher's last GET_ID buffer
)

// Cursor is the Memory Transfer Address: the current position for
// UPLOAD/DOWNLOAD and the base for ODT-entry resolution during DYN
// deferral.
type Cursor struct {
	Ext  AddrExt
	Addr uint32
}

// PendingCommand is the single-slot asynchronous command buffer used for
// DYN-addressed transfers. Only one command may be in flight; a second
// arrival while one is pending is rejected upstream with cmd_busy.
type PendingCommand struct {
	Event uint16
	Bytes []byte
}

// Session is the XCP slave's singleton connection state. It is created
// once by the caller (never as a package-level global) and threaded
// explicitly into the protocol dispatcher and DAQ engine.
type Session struct {
	status uint32 // atomic, see Status* bits

	mu               sync.Mutex
	mta              Cursor
	daqStartTicks    uint64
	writeDaqCursor   WriteDaqCursor
	pending          *PendingCommand
	overflowCount    uint32
}

// WriteDaqCursor is the autoincrementing position used while the master
// streams WRITE_DAQ commands after SET_DAQ_PTR; it advances with every
// WRITE_DAQ and never wraps across an ODT boundary.
type WriteDaqCursor struct {
	Daq   uint16
	Odt   uint16
	Entry uint16
}

// NewSession returns a zeroed, uninitialized session.
func NewSession() *Session {
	return &Session{}
}

func (s *Session) Status() uint32 { return atomic.LoadUint32(&s.status) }

func (s *Session) hasStatus(bit uint32) bool { return s.Status()&bit != 0 }

func (s *Session) setStatus(bit uint32)   { s.orStatus(bit) }
func (s *Session) clearStatus(bit uint32) { s.andStatus(^bit) }

func (s *Session) orStatus(mask uint32) {
	for {
		old := atomic.LoadUint32(&s.status)
		if atomic.CompareAndSwapUint32(&s.status, old, old|mask) {
			return
		}
	}
}

func (s *Session) andStatus(mask uint32) {
	for {
		old := atomic.LoadUint32(&s.status)
		if atomic.CompareAndSwapUint32(&s.status, old, old&mask) {
			return
		}
	}
}

// Initialize transitions the session into the "initialized" state. It is
// idempotent.
func (s *Session) Initialize() { s.setStatus(StatusInitialized) }

// Start transitions the session into the "started" state, meaning the
// transport and DAQ engine are both running and ready to accept a master.
func (s *Session) Start() error {
	if !s.hasStatus(StatusInitialized) {
		return ErrNotInitialized
	}
	s.setStatus(StatusStarted)
	return nil
}

// Connected reports whether a CONNECT is currently in effect.
func (s *Session) Connected() bool { return s.hasStatus(StatusConnected) }

// DaqRunning reports whether DAQ sampling has been started.
func (s *Session) DaqRunning() bool { return s.hasStatus(StatusDaqRunning) }

// Legacy reports whether XCP 1.3 legacy timestamp formatting is active.
func (s *Session) Legacy() bool { return s.hasStatus(StatusLegacyMode) }

// OnConnect transitions to the connected state with legacy-mode flagged
// per the master's CONNECT mode byte.
func (s *Session) OnConnect(legacy bool) {
	s.mu.Lock()
	s.mta = Cursor{}
	s.writeDaqCursor = WriteDaqCursor{}
	s.pending = nil
	s.mu.Unlock()
	s.setStatus(StatusConnected)
	if legacy {
		s.setStatus(StatusLegacyMode)
	} else {
		s.clearStatus(StatusLegacyMode)
	}
}

// OnDisconnect clears connected and daq_running.
func (s *Session) OnDisconnect() {
	s.clearStatus(StatusConnected | StatusDaqRunning)
}

// StopAllDaq clears daq_running only, leaving the connection intact.
func (s *Session) StopAllDaq() {
	s.clearStatus(StatusDaqRunning)
}

// StartDaq sets daq_running. Callers must only invoke this once the DAQ
// configuration sequence has reached START_STOP_SYNCH.
func (s *Session) StartDaq() {
	s.setStatus(StatusDaqRunning)
}

func (s *Session) SetMTA(c Cursor) {
	s.mu.Lock()
	s.mta = c
	s.mu.Unlock()
}

func (s *Session) MTA() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mta
}

// AdvanceMTA moves the cursor forward by n bytes, used after successful
// UPLOAD/DOWNLOAD transfers.
func (s *Session) AdvanceMTA(n uint32) {
	s.mu.Lock()
	s.mta.Addr += n
	s.mu.Unlock()
}

func (s *Session) WriteDaqCursor() WriteDaqCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDaqCursor
}

func (s *Session) SetWriteDaqCursor(c WriteDaqCursor) {
	s.mu.Lock()
	s.writeDaqCursor = c
	s.mu.Unlock()
}

// AdvanceWriteDaqCursor increments the entry position after a WRITE_DAQ.
// It does not wrap across ODTs; the master must reissue SET_DAQ_PTR to
// move to a new ODT.
func (s *Session) AdvanceWriteDaqCursor() {
	s.mu.Lock()
	s.writeDaqCursor.Entry++
	s.mu.Unlock()
}

// TryPushPending installs a deferred command for DYN resolution. It
// fails (returns false) if a command is already pending — the caller
// should respond cmd_busy in that case.
func (s *Session) TryPushPending(event uint16, cmd []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return false
	}
	buf := make([]byte, len(cmd))
	copy(buf, cmd)
	s.pending = &PendingCommand{Event: event, Bytes: buf}
	s.setStatus(StatusCmdPending)
	return true
}

// TakePending removes and returns the pending command bound to event, if
// any. Returns nil if there is none or it targets a different event.
func (s *Session) TakePending(event uint16) *PendingCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.Event != event {
		return nil
	}
	p := s.pending
	s.pending = nil
	s.clearStatus(StatusCmdPending)
	return p
}

func (s *Session) DaqStartTicks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daqStartTicks
}

func (s *Session) SetDaqStartTicks(t uint64) {
	s.mu.Lock()
	s.daqStartTicks = t
	s.mu.Unlock()
}

// IncOverflow increments the DAQ overrun counter and returns the new
// value. Safe to call from any number of concurrent event producers.
func (s *Session) IncOverflow() uint32 {
	return atomic.AddUint32(&s.overflowCount, 1)
}

// TakeOverflow atomically reads and resets the overrun counter. The
// packet-counter gap is folded from the transmit queue's own counter,
// not from this one.
func (s *Session) TakeOverflow() uint32 {
	return atomic.SwapUint32(&s.overflowCount, 0)
}

// OverflowCount peeks the current overrun counter without resetting it.
func (s *Session) OverflowCount() uint32 {
	return atomic.LoadUint32(&s.overflowCount)
}
