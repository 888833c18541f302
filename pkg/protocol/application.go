package protocol

// Application is the set of callbacks the hosting process supplies so
// the protocol layer and DAQ engine can reach the measured memory and
// target-specific services. A server can be driven with a partial
// implementation; optional methods may return their zero value or
// ErrCmdUnknown and the corresponding XCP feature is simply refused.
type Application interface {
	// GetClock64 returns the current monotonic tick count. Used for
	// GET_DAQ_CLOCK, GET_DAQ_CLOCK_MULTICAST and the DAQ start time; DTO
	// timestamps come from the DAQ engine's own xcp.Clock.
	GetClock64() uint64

	// GetBaseAddr returns the application's absolute measurement base,
	// re-resolved on every event trigger for ABS addressing.
	GetBaseAddr() []byte

	// GetPointer resolves an (ext, addr) MTA into a byte slice backing
	// store for ABS/APP addressing. ok is false if ext/addr do not
	// resolve to valid application memory.
	GetPointer(ext uint8, addr uint32) (mem []byte, ok bool)

	// ConnectPermitted gates CONNECT; returning false yields ErrAccessDenied.
	ConnectPermitted() bool

	// OnDisconnect notifies the application a master has disconnected.
	OnDisconnect()

	// StartDaq/PrepareDaq/StopDaq bracket DAQ runtime transitions.
	// PrepareDaq may refuse the configuration by returning false.
	PrepareDaq(daqLists []uint16) bool
	StartDaq(daqLists []uint16)
	StopDaq()

	// GetID writes up to len(dst) bytes identifying the target (device
	// name, EPK, ...) of the requested idType into dst and returns the
	// full length available, which may exceed len(dst); only the bytes
	// written into dst can be read back by UPLOAD.
	GetID(idType uint8, dst []byte) (n uint32)
}

// OptionalApplication groups calibration-page and user-command hooks
// the server only invokes if the concrete Application also implements
// it; none of these are required for a minimal DAQ/calibration server.
type OptionalApplication interface {
	SetCalPage(segment, page uint8, mode uint8) error
	GetCalPage(segment, mode uint8) (page uint8, err error)
	CopyCalPage(srcSeg, srcPage, dstSeg, dstPage uint8) error
	FreezeCalPage(segment uint8) error
	UserCommand(sub uint8) error
	GetClockState() uint8
}
