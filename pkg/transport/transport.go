// Package transport implements the Ethernet framing layer: UDP and TCP
// carriers for XCP command/response traffic, plus an optional multicast
// clock responder. It knows nothing about command bytes — it moves
// framed {dlc, ctr, payload} messages in and out and leaves
// address-latching and disconnect policy to the caller.
package transport

import (
	"errors"
	"net"
)

// Command is one decoded CTO together with the peer it arrived from,
// so a UDP-backed Conn can report address changes to the caller.
type Command struct {
	Payload []byte
	Peer    net.Addr
}

// Conn abstracts one active transport session, UDP (address-latched) or
// TCP (single accepted connection), so pkg/server can drive either with
// the same command loop.
type Conn interface {
	// ReadCommands blocks for the next datagram/segment and returns every
	// framed command it contained, in order. A UDP Conn returns
	// ErrPeerChanged instead of commands when a datagram arrives from an
	// address other than the currently latched one.
	ReadCommands() ([]Command, error)

	// WriteSegment sends one pre-assembled segment of framed messages,
	// built by queue.Peek, to the current peer.
	WriteSegment(segment []byte) error

	Close() error
}

var (
	// ErrPeerChanged is returned by a latched UDP Conn when a datagram
	// arrives from an address other than the latched master; the caller
	// must treat this as an automatic disconnect.
	ErrPeerChanged = errors.New("transport: datagram from non-latched peer")

	// ErrNotLatched is returned by WriteSegment on a UDP Conn that has
	// not yet latched a peer (no CONNECT processed).
	ErrNotLatched = errors.New("transport: no latched peer to send to")

	// ErrDisconnected is returned by ReadCommands when the peer closed
	// the connection (TCP zero-byte read).
	ErrDisconnected = errors.New("transport: peer disconnected")
)
