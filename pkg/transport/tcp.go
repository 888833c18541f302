package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"github.com/rs/xid"
)

// TCPListener accepts at most one XCP master connection at a time.
// Callers loop on Accept; a connection attempt that arrives while a
// TCPConn from this listener is still open is closed, and Accept keeps
// waiting for the next attempt.
type TCPListener struct {
	logger *slog.Logger
	ln     net.Listener

	mu     sync.Mutex
	active bool
}

func ListenTCP(logger *slog.Logger, addr string) (*TCPListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			return setReuseAddr(rc)
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{logger: logger.With("service", "[TRANSPORT-TCP]"), ln: ln}, nil
}

// Accept waits for the next incoming connection, refusing (and closing)
// any additional attempt while one session is already active.
func (l *TCPListener) Accept() (*TCPConn, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		if l.active {
			l.mu.Unlock()
			l.logger.Warn("rejecting second TCP connection attempt", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		l.active = true
		l.mu.Unlock()

		id := xid.New()
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		c := &TCPConn{
			id:       id,
			conn:     conn,
			logger:   l.logger.With("session", id.String(), "remote", conn.RemoteAddr().String()),
			listener: l,
		}
		return c, nil
	}
}

func (l *TCPListener) release() {
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}

func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// TCPConn implements Conn over one accepted, length-prefix-framed TCP
// stream.
type TCPConn struct {
	id       xid.ID
	conn     net.Conn
	logger   *slog.Logger
	listener *TCPListener
}

func (c *TCPConn) ID() string { return c.id.String() }

func (c *TCPConn) ReadCommands() ([]Command, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrDisconnected
		}
		return nil, err
	}
	dlc := binary.LittleEndian.Uint16(header[0:2])
	payload := make([]byte, dlc)
	if dlc > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrDisconnected
			}
			return nil, err
		}
	}
	return []Command{{Payload: payload, Peer: c.conn.RemoteAddr()}}, nil
}

func (c *TCPConn) WriteSegment(segment []byte) error {
	_, err := c.conn.Write(segment)
	return err
}

func (c *TCPConn) Close() error {
	c.listener.release()
	return c.conn.Close()
}
