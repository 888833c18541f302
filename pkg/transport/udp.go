package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"syscall"

	xcp "github.com/samsamfire/goxcp"
)

// UDPConn implements Conn over a single bound UDP socket. The first
// datagram the caller latches onto (normally right after a successful
// CONNECT) fixes the master's address; any later datagram from a
// different peer is rejected with ErrPeerChanged rather than processed.
type UDPConn struct {
	logger *slog.Logger
	sock   *net.UDPConn

	mu     sync.Mutex
	latched *net.UDPAddr

	readBuf []byte
}

// ListenUDP binds a UDP socket at addr ("0.0.0.0:5555" style; an empty
// host means any interface).
func ListenUDP(logger *slog.Logger, addr string) (*UDPConn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			return setReuseAddr(rc)
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPConn{
		logger:  logger.With("service", "[TRANSPORT-UDP]"),
		sock:    pc.(*net.UDPConn),
		readBuf: make([]byte, 65535),
	}, nil
}

// Latch fixes the master's address; subsequent datagrams from any other
// address are rejected with ErrPeerChanged. Called by the server once a
// CONNECT has been accepted.
func (c *UDPConn) Latch(addr *net.UDPAddr) {
	c.mu.Lock()
	c.latched = addr
	c.mu.Unlock()
}

// Unlatch clears the latched peer, re-opening the socket to any sender.
// Called on DISCONNECT.
func (c *UDPConn) Unlatch() {
	c.mu.Lock()
	c.latched = nil
	c.mu.Unlock()
}

func (c *UDPConn) LatchedPeer() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latched
}

func (c *UDPConn) ReadCommands() ([]Command, error) {
	n, peer, err := c.sock.ReadFromUDP(c.readBuf)
	if err != nil {
		return nil, err
	}
	data := c.readBuf[:n]

	c.mu.Lock()
	latched := c.latched
	c.mu.Unlock()
	if latched != nil && !addrEqual(latched, peer) {
		c.logger.Warn("datagram from non-latched peer, disconnecting", "peer", peer.String())
		return nil, ErrPeerChanged
	}

	var cmds []Command
	for len(data) > 0 {
		f, rest, ok := xcp.DecodeFrame(data)
		if !ok {
			break
		}
		cmds = append(cmds, Command{Payload: f.Payload, Peer: peer})
		data = rest
	}
	return cmds, nil
}

func (c *UDPConn) WriteSegment(segment []byte) error {
	peer := c.LatchedPeer()
	if peer == nil {
		return ErrNotLatched
	}
	_, err := c.sock.WriteToUDP(segment, peer)
	return err
}

func (c *UDPConn) Close() error {
	return c.sock.Close()
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
