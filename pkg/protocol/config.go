package protocol

// Config holds the compile-time-constant parameters the dispatcher
// needs to answer GET_* info commands and enforce limits. It is
// assembled once at server startup by pkg/config.
type Config struct {
	MaxCto          uint8  // [8,255]
	MaxDto          uint16 // <= max_segment_size - 4
	MaxSegmentSize  uint16
	MaxOdtEntrySize uint8 // default 248
	MaxDaqCount     uint16
	DaqMemSize      int
	TimestampSize   uint8 // 4 or 8
	ClusterID       uint16
	ProtocolVersion uint8
	TransportVer    uint8

	// OverrunIndicationPID is carried over from pkg/config but nothing
	// reads it: the ODT-number high bit is never set, and overrun is
	// surfaced only via the packet-counter gap whatever its value
	// (DESIGN.md records this choice).
	OverrunIndicationPID bool
}

// DefaultConfig returns sensible defaults, keeping max_cto_size at the
// protocol minimum of 8; callers needing larger CTOs override it.
func DefaultConfig() Config {
	return Config{
		MaxCto:          8,
		MaxDto:          254,
		MaxSegmentSize:  1500,
		MaxOdtEntrySize: 248,
		MaxDaqCount:     256,
		DaqMemSize:      65536,
		TimestampSize:   4,
		ClusterID:       1,
		ProtocolVersion: 0x01,
		TransportVer:    0x01,
	}
}
