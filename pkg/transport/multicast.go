package transport

import (
	"errors"
	"log/slog"
	"net"
	"time"

	xcp "github.com/samsamfire/goxcp"
)

// MulticastResponder listens on 239.255.{clusterIdHi}.{clusterIdLo} for
// GET_DAQ_CLOCK_MULTICAST requests and answers on the same group. It is
// independent of the unicast UDP/TCP command Conn.
type MulticastResponder struct {
	logger    *slog.Logger
	conn      *net.UDPConn
	group     *net.UDPAddr
	clusterID uint16
}

// NewMulticastResponder joins the multicast group derived from clusterID
// on the given port.
func NewMulticastResponder(logger *slog.Logger, clusterID uint16, port int) (*MulticastResponder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	group := &net.UDPAddr{
		IP:   net.IPv4(239, 255, byte(clusterID>>8), byte(clusterID)),
		Port: port,
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, err
	}
	return &MulticastResponder{
		logger:    logger.With("service", "[TRANSPORT-MCAST]"),
		conn:      conn,
		group:     group,
		clusterID: clusterID,
	}, nil
}

// Serve reads multicast requests until done is closed, handing each
// request payload to handle and, if handle returns a non-nil response,
// writing it back to the multicast group. handle is expected to be the
// dispatcher's GET_DAQ_CLOCK_MULTICAST handler; any other subcommand
// should return nil to stay silent.
func (m *MulticastResponder) Serve(done <-chan struct{}, handle func(payload []byte) []byte) error {
	buf := make([]byte, 1500)
	for {
		select {
		case <-done:
			return nil
		default:
		}
		_ = m.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := m.conn.ReadFromUDP(buf)
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			continue
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.logger.Warn("multicast read failed", "err", err)
			continue
		}
		f, _, ok := xcp.DecodeFrame(buf[:n])
		if !ok {
			continue
		}
		resp := handle(f.Payload)
		if resp == nil {
			continue
		}
		out := make([]byte, xcp.HeaderSize+len(resp))
		xcp.NewFrame(0, resp).Encode(out)
		if _, err := m.conn.WriteToUDP(out, m.group); err != nil {
			m.logger.Warn("multicast response send failed", "err", err)
		}
	}
}

func (m *MulticastResponder) Close() error {
	return m.conn.Close()
}
