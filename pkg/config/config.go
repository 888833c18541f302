// Package config assembles the server's compile-time-constant parameters
// into one value, loaded from a YAML file or defaulted, and threaded
// explicitly into pkg/protocol, pkg/daq, pkg/queue and pkg/transport at
// startup instead of living as hidden mutable globals.
package config

import (
	"fmt"

	"github.com/samsamfire/goxcp/pkg/protocol"
)

// TransportKind selects the Ethernet carrier; CAN/FlexRay are explicit
// non-goals.
type TransportKind string

const (
	TransportUDP TransportKind = "udp"
	TransportTCP TransportKind = "tcp"
)

// Config is the full set of server startup parameters.
type Config struct {
	Transport TransportKind `yaml:"transport"`
	BindAddr  string        `yaml:"bind_addr"`

	Multicast     bool `yaml:"multicast"`
	MulticastPort int  `yaml:"multicast_port"`

	MaxCto          uint8  `yaml:"max_cto_size"`
	MaxDto          uint16 `yaml:"max_dto_size"`
	MaxSegmentSize  uint16 `yaml:"max_segment_size"`
	MaxOdtEntrySize uint8  `yaml:"max_odt_entry_size"`
	MaxDaqCount     uint16 `yaml:"max_daq_count"`
	MaxEventCount   uint16 `yaml:"max_event_count"`
	DaqMemSize      int    `yaml:"daq_mem_size"`
	QueueSize       int    `yaml:"queue_size"`
	TimestampSize   uint8  `yaml:"timestamp_size"`

	ClusterID       uint16 `yaml:"cluster_id"`
	ProtocolVersion uint8  `yaml:"protocol_version"`
	TransportVer    uint8  `yaml:"transport_version"`

	// OverrunIndicationPID is copied into protocol.Config and not read
	// anywhere; overrun always reaches the master as a packet-counter gap.
	OverrunIndicationPID bool `yaml:"overrun_indication_pid"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the server's built-in defaults: UDP on port 5555,
// max_cto_size=8, max_odt_entry_size=248, max_daq_count=256 — the same
// protocol-level defaults pkg/protocol.DefaultConfig uses, plus the
// transport/runtime knobs that package doesn't need to know about.
func Default() Config {
	return Config{
		Transport:       TransportUDP,
		BindAddr:        "0.0.0.0:5555",
		Multicast:       false,
		MulticastPort:   5556,
		MaxCto:          8,
		MaxDto:          254,
		MaxSegmentSize:  1500,
		MaxOdtEntrySize: 248,
		MaxDaqCount:     256,
		MaxEventCount:   16,
		DaqMemSize:      65536,
		QueueSize:       256,
		TimestampSize:   4,
		ClusterID:       1,
		ProtocolVersion: 0x01,
		TransportVer:    0x01,
		LogLevel:        "info",
	}
}

// Validate checks the cross-field invariants that would otherwise be
// compile-time constraints, enforced here at load time instead.
func (c Config) Validate() error {
	if c.Transport != TransportUDP && c.Transport != TransportTCP {
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.MaxCto < 8 {
		return fmt.Errorf("config: max_cto_size must be >= 8, got %d", c.MaxCto)
	}
	if uint32(c.MaxDto)+4 > uint32(c.MaxSegmentSize) {
		return fmt.Errorf("config: max_dto_size (%d) must be <= max_segment_size-4 (%d)", c.MaxDto, c.MaxSegmentSize-4)
	}
	if c.TimestampSize != 4 && c.TimestampSize != 8 {
		return fmt.Errorf("config: timestamp_size must be 4 or 8, got %d", c.TimestampSize)
	}
	if c.MaxDaqCount == 0 || c.MaxDaqCount > 65534 {
		return fmt.Errorf("config: max_daq_count must be in (0, 65534], got %d", c.MaxDaqCount)
	}
	if c.DaqMemSize <= 0 {
		return fmt.Errorf("config: daq_mem_size must be positive, got %d", c.DaqMemSize)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: queue_size must be positive, got %d", c.QueueSize)
	}
	if c.Multicast && (c.MulticastPort <= 0 || c.MulticastPort > 65535) {
		return fmt.Errorf("config: multicast_port out of range: %d", c.MulticastPort)
	}
	return nil
}

// ProtocolConfig projects the dispatcher-relevant subset into
// protocol.Config.
func (c Config) ProtocolConfig() protocol.Config {
	return protocol.Config{
		MaxCto:               c.MaxCto,
		MaxDto:                c.MaxDto,
		MaxSegmentSize:        c.MaxSegmentSize,
		MaxOdtEntrySize:       c.MaxOdtEntrySize,
		MaxDaqCount:           c.MaxDaqCount,
		DaqMemSize:            c.DaqMemSize,
		TimestampSize:         c.TimestampSize,
		ClusterID:             c.ClusterID,
		ProtocolVersion:       c.ProtocolVersion,
		TransportVer:          c.TransportVer,
		OverrunIndicationPID:  c.OverrunIndicationPID,
	}
}
