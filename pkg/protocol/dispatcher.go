// Package protocol implements the XCP command decoder and connection
// state machine: command dispatch, DYN-address deferral and the
// calibration/DAQ-configuration command set.
package protocol

import (
	"encoding/binary"
	"log/slog"
	"sync"

	xcp "github.com/samsamfire/goxcp"
	"github.com/samsamfire/goxcp/internal/checksum"
	"github.com/samsamfire/goxcp/pkg/daq"
)

// daqConfigState tracks the legal DAQ configuration sequence:
// FREE_DAQ -> ALLOC_DAQ -> ALLOC_ODT* -> ALLOC_ODT_ENTRY*
// -> SET_DAQ_PTR; WRITE_DAQ*. It is intentionally coarse — it rejects
// allocation calls before FREE_DAQ/ALLOC_DAQ rather than modeling every
// sub-transition, which is enough to satisfy the out-of-order cases the
// master can actually trigger without a hand-written parser per state.
type daqConfigState uint8

const (
	daqStateFree daqConfigState = 1 << iota
	daqStateAllocated
)

// Dispatcher decodes one command at a time and returns a tagged Result.
// It owns no I/O; the caller (pkg/server) is responsible for moving
// bytes to and from the wire and the transmit queue.
type Dispatcher struct {
	logger  *slog.Logger
	session *xcp.Session
	arena   *daq.Arena
	events  *daq.EventTable
	app     Application
	cfg     Config

	mu       sync.Mutex
	daqState daqConfigState
	a2lBuf   []byte // last GET_ID payload, read back by UPLOAD through ExtA2L
}

// New builds a Dispatcher wired to the given session, DAQ arena, event
// table, application callbacks and configuration.
func New(session *xcp.Session, arena *daq.Arena, events *daq.EventTable, app Application, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger.With("service", "[PROTOCOL]"),
		session: session,
		arena:   arena,
		events:  events,
		app:     app,
		cfg:     cfg,
	}
}

// Dispatch decodes and executes one command received from the wire.
func (d *Dispatcher) Dispatch(data []byte) Result {
	return d.dispatch(data, nil)
}

// DispatchAsync re-enters the dispatcher for a command that was deferred
// pending DYN address resolution. resolved is the memory region
// base+offset already resolved to; the original command bytes are
// replayed against it.
func (d *Dispatcher) DispatchAsync(data []byte, resolved []byte) Result {
	return d.dispatch(data, resolved)
}

func (d *Dispatcher) dispatch(data []byte, resolvedDyn []byte) Result {
	if len(data) == 0 {
		return errorOf(ErrCmdSyntax)
	}
	cmd := data[0]
	payload := data[1:]

	if !d.session.Connected() && cmd != cmdConnect && cmd != cmdTransportLayerCmd {
		return resultNoResponse
	}

	switch cmd {
	case cmdConnect:
		return d.handleConnect(payload)
	case cmdDisconnect:
		return d.handleDisconnect()
	case cmdGetStatus:
		return d.handleGetStatus()
	case cmdSynch:
		return errorOf(ErrCmdSynch)
	case cmdGetCommModeInfo:
		return d.handleGetCommModeInfo()
	case cmdGetId:
		return d.handleGetID(payload)
	case cmdSetMta:
		return d.handleSetMTA(payload)
	case cmdUpload:
		return d.handleUpload(payload, resolvedDyn)
	case cmdShortUpload:
		return d.handleShortUpload(payload)
	case cmdDownload:
		return d.handleDownload(payload, resolvedDyn)
	case cmdShortDownload:
		return d.handleShortDownload(payload)
	case cmdBuildChecksum:
		return d.handleBuildChecksum(payload)
	case cmdGetCalPage:
		return d.handleGetCalPage(payload)
	case cmdSetCalPage:
		return d.handleSetCalPage(payload)
	case cmdCopyCalPage:
		return d.handleCopyCalPage(payload)
	case cmdGetPagProcessorInfo:
		return d.handleGetPagProcessorInfo()
	case cmdSetSegmentMode:
		return d.handleSetSegmentMode(payload)
	case cmdGetSegmentMode:
		return d.handleGetSegmentMode(payload)
	case cmdSetRequest:
		return d.handleSetRequest(payload)
	case cmdGetDaqProcessorInfo:
		return d.handleGetDaqProcessorInfo()
	case cmdGetDaqResolutionInfo:
		return d.handleGetDaqResolutionInfo()
	case cmdGetDaqEventInfo:
		return d.handleGetDaqEventInfo(payload)
	case cmdFreeDaq:
		return d.handleFreeDaq()
	case cmdAllocDaq:
		return d.handleAllocDaq(payload)
	case cmdAllocOdt:
		return d.handleAllocOdt(payload)
	case cmdAllocOdtEntry:
		return d.handleAllocOdtEntry(payload)
	case cmdGetDaqListMode:
		return d.handleGetDaqListMode(payload)
	case cmdSetDaqListMode:
		return d.handleSetDaqListMode(payload)
	case cmdSetDaqPtr:
		return d.handleSetDaqPtr(payload)
	case cmdWriteDaq:
		return d.handleWriteDaq(payload)
	case cmdWriteDaqMultiple:
		return d.handleWriteDaqMultiple(payload)
	case cmdStartStopDaqList:
		return d.handleStartStopDaqList(payload)
	case cmdStartStopSynch:
		return d.handleStartStopSynch(payload)
	case cmdGetDaqClock:
		return d.handleGetDaqClock()
	case cmdTimeCorrelation:
		return d.handleTimeCorrelationProperties(payload)
	case cmdTransportLayerCmd:
		return d.handleTransportLayerCmd(payload)
	case cmdLevel1Command:
		return d.handleLevel1Command(payload)
	case cmdUserCmd:
		return d.handleUserCmd(payload)
	case cmdNop:
		return resultNoResponse
	default:
		return errorOf(ErrCmdUnknown)
	}
}

func (d *Dispatcher) handleConnect(payload []byte) Result {
	if !d.app.ConnectPermitted() {
		return errorOf(ErrAccessDenied)
	}
	legacy := len(payload) > 0 && payload[0] == 0x01

	d.arena.FreeDaq()
	d.mu.Lock()
	d.daqState = daqStateFree
	d.mu.Unlock()

	d.session.Initialize()
	_ = d.session.Start()
	d.session.OnConnect(legacy)

	resources := ResourceDAQ | ResourceCAL
	commBasic := CommAddressGranByte // little-endian, byte granularity
	resp := []byte{
		resources,
		commBasic,
		d.cfg.MaxCto,
		byte(d.cfg.MaxDto),
		byte(d.cfg.MaxDto >> 8),
		d.cfg.ProtocolVersion,
		d.cfg.TransportVer,
	}
	return responseOf(resp)
}

func (d *Dispatcher) handleDisconnect() Result {
	d.session.OnDisconnect()
	d.app.OnDisconnect()
	return responseOf(nil)
}

func (d *Dispatcher) handleGetStatus() Result {
	var statusByte byte
	if d.session.Connected() {
		statusByte |= 0x01
	}
	if d.session.DaqRunning() {
		statusByte |= 0x40
	}
	overflow := d.session.OverflowCount()
	resp := []byte{
		statusByte,
		ResourceDAQ | ResourceCAL,
		0, // state number, unused
		0,
		byte(overflow),
		byte(overflow >> 8),
	}
	return responseOf(resp)
}

func (d *Dispatcher) handleGetCommModeInfo() Result {
	resp := []byte{0, CommAddressGranByte, 0, 0, d.cfg.MaxCto}
	return responseOf(resp)
}

func (d *Dispatcher) handleGetID(payload []byte) Result {
	if len(payload) < 1 {
		return errorOf(ErrCmdSyntax)
	}
	idType := payload[0]
	scratch := make([]byte, 256)
	n := d.app.GetID(idType, scratch)
	avail := int(n)
	if avail > len(scratch) {
		avail = len(scratch)
	}
	d.mu.Lock()
	d.a2lBuf = scratch[:avail]
	d.mu.Unlock()

	resp := make([]byte, 8)
	resp[0] = 0 // mode: transfer via UPLOAD
	binary.LittleEndian.PutUint32(resp[4:8], n)
	d.session.SetMTA(xcp.Cursor{Ext: xcp.ExtA2L, Addr: 0})
	return responseOf(resp)
}

func (d *Dispatcher) handleSetMTA(payload []byte) Result {
	if len(payload) < 7 {
		return errorOf(ErrCmdSyntax)
	}
	ext := payload[2]
	addr := binary.LittleEndian.Uint32(payload[3:7])
	d.session.SetMTA(xcp.Cursor{Ext: xcp.AddrExt(ext), Addr: addr})
	return responseOf(nil)
}

// resolveRead resolves the current MTA to a readable slice honoring DYN
// deferral; deferred=true means the caller must defer.
func (d *Dispatcher) resolveRead(n int, resolvedDyn []byte) (mem []byte, deferred bool, code ErrorCode) {
	cur := d.session.MTA()
	switch cur.Ext {
	case xcp.ExtAbs:
		base := d.app.GetBaseAddr()
		start := int(cur.Addr)
		if start < 0 || start+n > len(base) {
			return nil, false, ErrOutOfRange
		}
		return base[start : start+n], false, 0
	case xcp.ExtApp:
		mem, ok := d.app.GetPointer(uint8(xcp.ExtApp), cur.Addr)
		if !ok || len(mem) < n {
			return nil, false, ErrOutOfRange
		}
		return mem[:n], false, 0
	case xcp.ExtDyn:
		if resolvedDyn != nil {
			if len(resolvedDyn) < n {
				return nil, false, ErrOutOfRange
			}
			return resolvedDyn[:n], false, 0
		}
		return nil, true, 0
	case xcp.ExtA2L:
		d.mu.Lock()
		buf := d.a2lBuf
		d.mu.Unlock()
		start := int(cur.Addr)
		if start < 0 || start+n > len(buf) {
			return nil, false, ErrOutOfRange
		}
		return buf[start : start+n], false, 0
	default:
		return nil, false, ErrOutOfRange
	}
}

func (d *Dispatcher) handleUpload(payload []byte, resolvedDyn []byte) Result {
	if len(payload) < 1 {
		return errorOf(ErrCmdSyntax)
	}
	n := int(payload[0])
	return d.doUpload(n, resolvedDyn)
}

func (d *Dispatcher) handleShortUpload(payload []byte) Result {
	if len(payload) < 6 {
		return errorOf(ErrCmdSyntax)
	}
	n := int(payload[0])
	addr := binary.LittleEndian.Uint32(payload[2:6])
	ext := payload[1]
	d.session.SetMTA(xcp.Cursor{Ext: xcp.AddrExt(ext), Addr: addr})
	return d.doUpload(n, nil)
}

func (d *Dispatcher) doUpload(n int, resolvedDyn []byte) Result {
	if n < 0 || n > int(d.cfg.MaxCto)-1 {
		return errorOf(ErrOutOfRange)
	}
	mem, deferred, code := d.resolveRead(n, resolvedDyn)
	if deferred {
		return d.defer_(cmdUpload, []byte{byte(n)})
	}
	if code != 0 {
		return errorOf(code)
	}
	out := make([]byte, n)
	copy(out, mem)
	d.session.AdvanceMTA(uint32(n))
	return responseOf(out)
}

func (d *Dispatcher) handleDownload(payload []byte, resolvedDyn []byte) Result {
	if len(payload) < 1 {
		return errorOf(ErrCmdSyntax)
	}
	n := int(payload[0])
	if len(payload) < 1+n {
		return errorOf(ErrCmdSyntax)
	}
	return d.doDownload(payload[1:1+n], resolvedDyn)
}

func (d *Dispatcher) handleShortDownload(payload []byte) Result {
	if len(payload) < 6 {
		return errorOf(ErrCmdSyntax)
	}
	n := int(payload[0])
	ext := payload[1]
	addr := binary.LittleEndian.Uint32(payload[2:6])
	if len(payload) < 6+n {
		return errorOf(ErrCmdSyntax)
	}
	d.session.SetMTA(xcp.Cursor{Ext: xcp.AddrExt(ext), Addr: addr})
	return d.doDownload(payload[6:6+n], nil)
}

func (d *Dispatcher) doDownload(src []byte, resolvedDyn []byte) Result {
	n := len(src)
	cur := d.session.MTA()
	if cur.Ext == xcp.ExtDyn && resolvedDyn == nil {
		buf := make([]byte, 1+n)
		buf[0] = byte(n)
		copy(buf[1:], src)
		return d.defer_(cmdDownload, buf)
	}
	mem, deferred, code := d.resolveWriteTarget(n, resolvedDyn)
	if deferred {
		buf := make([]byte, 1+n)
		buf[0] = byte(n)
		copy(buf[1:], src)
		return d.defer_(cmdDownload, buf)
	}
	if code != 0 {
		return errorOf(code)
	}
	if n == 4 || n == 8 {
		writeAligned(mem, src)
	} else {
		copy(mem, src)
	}
	d.session.AdvanceMTA(uint32(n))
	return responseOf(nil)
}

func (d *Dispatcher) resolveWriteTarget(n int, resolvedDyn []byte) (mem []byte, deferred bool, code ErrorCode) {
	cur := d.session.MTA()
	switch cur.Ext {
	case xcp.ExtAbs:
		base := d.app.GetBaseAddr()
		start := int(cur.Addr)
		if start < 0 || start+n > len(base) {
			return nil, false, ErrOutOfRange
		}
		return base[start : start+n], false, 0
	case xcp.ExtApp:
		mem, ok := d.app.GetPointer(uint8(xcp.ExtApp), cur.Addr)
		if !ok || len(mem) < n {
			return nil, false, ErrOutOfRange
		}
		return mem[:n], false, 0
	case xcp.ExtDyn:
		if resolvedDyn != nil {
			if len(resolvedDyn) < n {
				return nil, false, ErrOutOfRange
			}
			return resolvedDyn[:n], false, 0
		}
		return nil, true, 0
	default:
		return nil, false, ErrAccessDenied
	}
}

// defer_ pushes a command into the session's single pending slot for
// DYN resolution at the next matching event trigger. The trailing
// underscore avoids shadowing the `defer` keyword.
func (d *Dispatcher) defer_(cmd byte, rest []byte) Result {
	cur := d.session.MTA()
	event := uint16(cur.Addr >> 16)
	full := append([]byte{cmd}, rest...)
	if !d.session.TryPushPending(event, full) {
		return resultBusy
	}
	return resultNoResponse
}

// ResolvePending takes the command bound to `event`, if any, resolves
// its DYN address against `base` and re-enters the dispatcher in async
// mode. Called by the DAQ engine's event trigger path immediately after
// sampling. hadPending is false when nothing was
// queued for this event, in which case Result is the zero value and
// must not be sent.
func (d *Dispatcher) ResolvePending(event uint16, base []byte) (result Result, hadPending bool) {
	pending := d.session.TakePending(event)
	if pending == nil {
		return Result{}, false
	}
	cur := d.session.MTA()
	offset := int(int16(cur.Addr & 0xFFFF))
	var resolved []byte
	if offset >= 0 && offset < len(base) {
		resolved = base[offset:]
	} else {
		resolved = nil
	}
	return d.DispatchAsync(pending.Bytes, resolved), true
}

func (d *Dispatcher) handleBuildChecksum(payload []byte) Result {
	if len(payload) < 4 {
		return errorOf(ErrCmdSyntax)
	}
	n := int(binary.LittleEndian.Uint32(payload[0:4]))
	mem, deferred, code := d.resolveRead(n, nil)
	if deferred || code != 0 {
		return errorOf(ErrOutOfRange)
	}
	typ, sum := checksum.Compute(mem)
	resp := make([]byte, 7)
	resp[0] = byte(typ)
	binary.LittleEndian.PutUint32(resp[3:7], sum)
	return responseOf(resp)
}
