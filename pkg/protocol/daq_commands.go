package protocol

import (
	"encoding/binary"

	xcp "github.com/samsamfire/goxcp"
	"github.com/samsamfire/goxcp/pkg/daq"
)

func (d *Dispatcher) handleGetCalPage(payload []byte) Result {
	opt, ok := d.app.(OptionalApplication)
	if !ok || len(payload) < 2 {
		return errorOf(ErrCmdUnknown)
	}
	page, err := opt.GetCalPage(payload[1], payload[0])
	if err != nil {
		return errorOf(ErrPageNotValid)
	}
	return responseOf([]byte{0, 0, page})
}

func (d *Dispatcher) handleSetCalPage(payload []byte) Result {
	opt, ok := d.app.(OptionalApplication)
	if !ok || len(payload) < 3 {
		return errorOf(ErrCmdUnknown)
	}
	if err := opt.SetCalPage(payload[1], payload[2], payload[0]); err != nil {
		return errorOf(ErrPageNotValid)
	}
	return responseOf(nil)
}

func (d *Dispatcher) handleCopyCalPage(payload []byte) Result {
	opt, ok := d.app.(OptionalApplication)
	if !ok || len(payload) < 4 {
		return errorOf(ErrCmdUnknown)
	}
	if err := opt.CopyCalPage(payload[0], payload[1], payload[2], payload[3]); err != nil {
		return errorOf(ErrPageNotValid)
	}
	return responseOf(nil)
}

func (d *Dispatcher) handleGetPagProcessorInfo() Result {
	// Single calibration segment, FREEZE not supported.
	return responseOf([]byte{1, 0})
}

func (d *Dispatcher) handleSetSegmentMode(payload []byte) Result {
	if len(payload) < 2 {
		return errorOf(ErrCmdSyntax)
	}
	return responseOf(nil)
}

func (d *Dispatcher) handleGetSegmentMode(payload []byte) Result {
	if len(payload) < 2 {
		return errorOf(ErrCmdSyntax)
	}
	return responseOf([]byte{0, 0})
}

func (d *Dispatcher) handleSetRequest(payload []byte) Result {
	if len(payload) < 3 {
		return errorOf(ErrCmdSyntax)
	}
	return responseOf(nil)
}

func (d *Dispatcher) handleGetDaqProcessorInfo() Result {
	resp := make([]byte, 8)
	resp[0] = 0x01 // DAQ_CONFIG_TYPE: dynamic
	binary.LittleEndian.PutUint16(resp[1:3], d.cfg.MaxDaqCount)
	binary.LittleEndian.PutUint16(resp[3:5], d.events.Count())
	resp[5] = 0x01 // properties: overload indication via event
	return responseOf(resp)
}

func (d *Dispatcher) handleGetDaqResolutionInfo() Result {
	resp := []byte{
		1, // granularity ODT entry size DAQ
		d.cfg.MaxOdtEntrySize,
		1, // granularity ODT entry size STIM (unused, STIM is a non-goal)
		0,
		d.cfg.TimestampSize,
		0, 0, // timestamp ticks (u16), unused here
	}
	return responseOf(resp)
}

func (d *Dispatcher) handleGetDaqEventInfo(payload []byte) Result {
	if len(payload) < 2 {
		return errorOf(ErrCmdSyntax)
	}
	n := binary.LittleEndian.Uint16(payload[0:2])
	ev, ok := d.events.Get(n)
	if !ok {
		return errorOf(ErrOutOfRange)
	}
	resp := []byte{
		0x04, // properties: DAQ supported
		byte(ev.MaxDaqList),
		byte(ev.MaxDaqList >> 8),
		byte(len(ev.Name)),
		ev.Cycle,
		ev.TimeUnit,
		ev.Priority,
	}
	return responseOf(resp)
}

func (d *Dispatcher) requireNotRunning() *ErrorCode {
	if d.session.DaqRunning() {
		e := ErrDaqActive
		return &e
	}
	return nil
}

func (d *Dispatcher) handleFreeDaq() Result {
	if err := d.requireNotRunning(); err != nil {
		return errorOf(*err)
	}
	d.arena.FreeDaq()
	d.mu.Lock()
	d.daqState = daqStateFree
	d.mu.Unlock()
	return responseOf(nil)
}

func (d *Dispatcher) handleAllocDaq(payload []byte) Result {
	if len(payload) < 3 {
		return errorOf(ErrCmdSyntax)
	}
	d.mu.Lock()
	if d.daqState&daqStateFree == 0 {
		d.mu.Unlock()
		return errorOf(ErrSequence)
	}
	d.daqState |= daqStateAllocated
	d.mu.Unlock()

	n := binary.LittleEndian.Uint16(payload[1:3])
	if err := d.arena.AllocDaq(n); err != nil {
		return errorOf(ErrMemoryOverflow)
	}
	return responseOf(nil)
}

func (d *Dispatcher) handleAllocOdt(payload []byte) Result {
	if len(payload) < 5 {
		return errorOf(ErrCmdSyntax)
	}
	d.mu.Lock()
	allocated := d.daqState&daqStateAllocated != 0
	d.mu.Unlock()
	if !allocated {
		return errorOf(ErrSequence)
	}
	daqIdx := binary.LittleEndian.Uint16(payload[1:3])
	m := binary.LittleEndian.Uint16(payload[3:5])
	if err := d.arena.AllocOdt(daqIdx, m); err != nil {
		if err == daq.ErrOutOfRange {
			return errorOf(ErrOutOfRange)
		}
		return errorOf(ErrMemoryOverflow)
	}
	return responseOf(nil)
}

func (d *Dispatcher) handleAllocOdtEntry(payload []byte) Result {
	if len(payload) < 5 {
		return errorOf(ErrCmdSyntax)
	}
	d.mu.Lock()
	allocated := d.daqState&daqStateAllocated != 0
	d.mu.Unlock()
	if !allocated {
		return errorOf(ErrSequence)
	}
	daqIdx := binary.LittleEndian.Uint16(payload[1:3])
	odtIdx := payload[3]
	k := payload[4]
	if err := d.arena.AllocOdtEntry(daqIdx, uint16(odtIdx), uint16(k)); err != nil {
		if err == daq.ErrOutOfRange {
			return errorOf(ErrOutOfRange)
		}
		return errorOf(ErrMemoryOverflow)
	}
	return responseOf(nil)
}

func (d *Dispatcher) handleGetDaqListMode(payload []byte) Result {
	if len(payload) < 3 {
		return errorOf(ErrCmdSyntax)
	}
	daqIdx := binary.LittleEndian.Uint16(payload[1:3])
	event, mode, prio, err := d.arena.DaqListMode(daqIdx)
	if err != nil {
		return errorOf(ErrOutOfRange)
	}
	resp := []byte{mode, 0, byte(event), byte(event >> 8), 0, 0, prio}
	return responseOf(resp)
}

func (d *Dispatcher) handleSetDaqListMode(payload []byte) Result {
	if len(payload) < 7 {
		return errorOf(ErrCmdSyntax)
	}
	mode := payload[0]
	daqIdx := binary.LittleEndian.Uint16(payload[1:3])
	event := binary.LittleEndian.Uint16(payload[3:5])
	prio := payload[6]
	if err := d.arena.SetDaqListMode(daqIdx, event, mode, prio); err != nil {
		return errorOf(ErrOutOfRange)
	}
	return responseOf(nil)
}

func (d *Dispatcher) handleSetDaqPtr(payload []byte) Result {
	if len(payload) < 5 {
		return errorOf(ErrCmdSyntax)
	}
	daqIdx := binary.LittleEndian.Uint16(payload[1:3])
	odtIdx := payload[3]
	entryIdx := payload[4]
	d.session.SetWriteDaqCursor(xcp.WriteDaqCursor{Daq: daqIdx, Odt: uint16(odtIdx), Entry: uint16(entryIdx)})
	return responseOf(nil)
}

func (d *Dispatcher) handleWriteDaq(payload []byte) Result {
	if len(payload) < 7 {
		return errorOf(ErrCmdSyntax)
	}
	size := payload[0]
	ext := payload[1]
	addr := binary.LittleEndian.Uint32(payload[3:7])
	cur := d.session.WriteDaqCursor()
	if err := d.arena.WriteDaq(cur.Daq, cur.Odt, cur.Entry, size, ext, addr); err != nil {
		if err == daq.ErrOutOfRange {
			return errorOf(ErrOutOfRange)
		}
		return errorOf(ErrDaqConfig)
	}
	d.session.AdvanceWriteDaqCursor()
	return responseOf(nil)
}

func (d *Dispatcher) handleWriteDaqMultiple(payload []byte) Result {
	if len(payload) < 1 {
		return errorOf(ErrCmdSyntax)
	}
	count := int(payload[0])
	const entrySize = 8 // size(1) + ext(1) + addr(4) + bitoffset(1, unused) + pad(1)
	if len(payload) < 1+count*entrySize {
		return errorOf(ErrCmdSyntax)
	}
	cur := d.session.WriteDaqCursor()
	for i := 0; i < count; i++ {
		e := payload[1+i*entrySize : 1+(i+1)*entrySize]
		size := e[0]
		ext := e[1]
		addr := binary.LittleEndian.Uint32(e[2:6])
		if err := d.arena.WriteDaq(cur.Daq, cur.Odt, cur.Entry, size, ext, addr); err != nil {
			if err == daq.ErrOutOfRange {
				return errorOf(ErrOutOfRange)
			}
			return errorOf(ErrDaqConfig)
		}
		d.session.AdvanceWriteDaqCursor()
		cur = d.session.WriteDaqCursor()
	}
	return responseOf(nil)
}

func (d *Dispatcher) handleStartStopDaqList(payload []byte) Result {
	if len(payload) < 3 {
		return errorOf(ErrCmdSyntax)
	}
	mode := payload[0]
	daqIdx := binary.LittleEndian.Uint16(payload[1:3])
	if err := d.arena.StartStopDaqList(daqIdx, mode); err != nil {
		return errorOf(ErrOutOfRange)
	}
	resp := []byte{0, 0}
	return responseOf(resp)
}

func (d *Dispatcher) handleStartStopSynch(payload []byte) Result {
	if len(payload) < 1 {
		return errorOf(ErrCmdSyntax)
	}
	mode := payload[0]

	// Selected-list membership must be read before StartStopSynch runs:
	// SynchStartSelected clears the selected flag as it promotes lists to
	// running, so this is the last point the set is still observable.
	var selected []uint16
	if mode == daq.SynchPrepare || mode == daq.SynchStartSelected {
		for i, l := range d.arena.Lists() {
			if l.State&daq.ListSelected != 0 {
				selected = append(selected, uint16(i))
			}
		}
	}

	if mode == daq.SynchPrepare && !d.app.PrepareDaq(selected) {
		return errorOf(ErrResourceTempNA)
	}

	if err := d.arena.StartStopSynch(mode); err != nil {
		return errorOf(ErrOutOfRange)
	}

	switch mode {
	case daq.SynchStartSelected:
		d.session.SetDaqStartTicks(d.app.GetClock64())
		d.session.StartDaq()
		d.app.StartDaq(selected)
	case daq.SynchStopAll:
		d.session.StopAllDaq()
		d.app.StopDaq()
	}
	return responseOf(nil)
}

func (d *Dispatcher) handleGetDaqClock() Result {
	ticks := d.app.GetClock64()
	resp := make([]byte, 9)
	resp[0] = 0
	binary.LittleEndian.PutUint64(resp[1:9], ticks)
	return responseOf(resp)
}

func (d *Dispatcher) handleTimeCorrelationProperties(payload []byte) Result {
	if len(payload) < 1 {
		return errorOf(ErrCmdSyntax)
	}
	resp := []byte{0, 0, 0, 0}
	return responseOf(resp)
}

func (d *Dispatcher) handleTransportLayerCmd(payload []byte) Result {
	if len(payload) < 1 {
		return errorOf(ErrSubcmdUnknown)
	}
	switch payload[0] {
	case subGetDaqClockMulticast:
		ticks := d.app.GetClock64()
		resp := make([]byte, 11)
		binary.LittleEndian.PutUint16(resp[1:3], d.cfg.ClusterID)
		binary.LittleEndian.PutUint64(resp[3:11], ticks)
		return responseOf(resp)
	case subGetServerIdExtended:
		return responseOf([]byte{subGetServerIdExtended, 0})
	default:
		return errorOf(ErrSubcmdUnknown)
	}
}

func (d *Dispatcher) handleLevel1Command(payload []byte) Result {
	if len(payload) < 1 {
		return errorOf(ErrSubcmdUnknown)
	}
	switch payload[0] {
	case subGetVersion:
		return responseOf([]byte{subGetVersion, 0x01, 0x04, 0x01, 0x00})
	default:
		return errorOf(ErrSubcmdUnknown)
	}
}

func (d *Dispatcher) handleUserCmd(payload []byte) Result {
	opt, ok := d.app.(OptionalApplication)
	if !ok || len(payload) < 1 {
		return errorOf(ErrCmdUnknown)
	}
	if err := opt.UserCommand(payload[0]); err != nil {
		return errorOf(ErrAccessDenied)
	}
	return responseOf(nil)
}
