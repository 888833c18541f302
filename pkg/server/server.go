// Package server wires a Session, DAQ arena/engine, transmit queue and
// protocol dispatcher to a pkg/transport.Conn, implementing a
// command-thread / event-producer-thread / transmit-thread concurrency
// model.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	xcp "github.com/samsamfire/goxcp"
	"github.com/samsamfire/goxcp/pkg/config"
	"github.com/samsamfire/goxcp/pkg/daq"
	"github.com/samsamfire/goxcp/pkg/protocol"
	"github.com/samsamfire/goxcp/pkg/queue"
	"github.com/samsamfire/goxcp/pkg/transport"
)

// connHolder boxes a transport.Conn so it can live in an atomic.Value:
// atomic.Value requires every value stored in it to share one concrete
// type, which a bare interface value swapped across a TCP reconnect
// would not.
type connHolder struct {
	conn transport.Conn
}

// addrLatcher is implemented by transport.Conn implementations that
// support peer-address latching (only UDPConn). TCP and virtualconn
// sessions don't implement it; the type assertion used against it below
// is then simply a no-op.
type addrLatcher interface {
	Latch(addr *net.UDPAddr)
	Unlatch()
}

// Reconnector is implemented by a transport layer that can hand the
// server a fresh connection after the active one disconnects, typically
// a listener's accept loop (transport.TCPListener). UDP and virtualconn
// sessions have no such concept; a Server with no Reconnector set simply
// ends Run when its single connection disconnects, as before.
type Reconnector interface {
	Accept() (transport.Conn, error)
	Close() error
}

// Server is the running XCP slave: one Session, one DAQ arena/engine,
// one transmit queue and dispatcher, driven over whichever transport.Conn
// is currently active.
type Server struct {
	logger     *slog.Logger
	session    *xcp.Session
	arena      *daq.Arena
	events     *daq.EventTable
	dispatcher *protocol.Dispatcher
	engine     *daq.Engine
	queue      *queue.Queue
	app        protocol.Application
	cfg        config.Config
	metrics    *Metrics

	connVal     atomic.Value // connHolder
	reconnector Reconnector

	// pktCtr is the 16-bit outgoing packet counter, shared between the
	// transmit loop's queue.Peek and the command thread's direct-send
	// fast path taken when the queue is empty. Both paths advance the
	// same monotonic sequence so both must hold pktMu while touching it.
	pktMu  sync.Mutex
	pktCtr uint16

	segBuf []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Server around a fresh Session, DAQ arena, event table and
// transmit queue sized per cfg, wired to the given application callbacks
// and initial transport connection. reg receives the server's Prometheus
// collectors; pass prometheus.NewRegistry() for an isolated registry in
// tests.
func New(cfg config.Config, events []daq.Event, app protocol.Application, conn transport.Conn, logger *slog.Logger, reg prometheus.Registerer) *Server {
	return NewWithClock(cfg, events, app, conn, logger, reg, xcp.NewSystemClock())
}

// NewWithClock is [New] with an explicit tick source, used by tests that
// need deterministic DAQ timestamps instead of the wall-clock
// [xcp.SystemClock].
func NewWithClock(cfg config.Config, events []daq.Event, app protocol.Application, conn transport.Conn, logger *slog.Logger, reg prometheus.Registerer, clock xcp.Clock) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[SERVER]")

	session := xcp.NewSession()
	session.Initialize()
	if err := session.Start(); err != nil {
		panic(err) // Initialize() just ran; Start() cannot fail here.
	}

	arena := daq.NewArena(cfg.DaqMemSize, int(cfg.MaxOdtEntrySize), int(cfg.MaxDto), int(cfg.TimestampSize))
	eventTable := daq.NewEventTable(events)
	q := queue.New(cfg.QueueSize, int(cfg.MaxDto))
	engine := daq.NewEngine(arena, eventTable, q, clock)
	dispatcher := protocol.New(session, arena, eventTable, app, cfg.ProtocolConfig(), logger)

	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		logger:     logger,
		session:    session,
		arena:      arena,
		events:     eventTable,
		dispatcher: dispatcher,
		engine:     engine,
		queue:      q,
		app:        app,
		cfg:        cfg,
		metrics:    NewMetrics(reg),
		segBuf:     make([]byte, cfg.MaxSegmentSize),
		closed:     make(chan struct{}),
	}
	s.connVal.Store(connHolder{conn: conn})
	return s
}

// SetConn swaps the active transport connection, used by commandLoop
// after a disconnect to install the session a Reconnector just accepted.
func (s *Server) SetConn(conn transport.Conn) {
	s.connVal.Store(connHolder{conn: conn})
}

// SetReconnector installs the accept source commandLoop uses to obtain
// a new connection after transport.ErrDisconnected, so a TCP session
// close doesn't tear down the whole server. Call before Run.
func (s *Server) SetReconnector(r Reconnector) {
	s.reconnector = r
}

func (s *Server) conn() transport.Conn {
	return s.connVal.Load().(connHolder).conn
}

// Run drives the command loop in the calling goroutine and the transmit
// loop in a background goroutine, until ctx is cancelled or the
// connection reports a fatal error. Closing the connection (directly, or
// indirectly via ctx cancellation) is the only way to unblock a pending
// ReadCommands.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.transmitLoop(ctx)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn().Close()
			if s.reconnector != nil {
				_ = s.reconnector.Close()
			}
		case <-s.closed:
		}
	}()

	err := s.commandLoop(ctx)
	s.closeOnce.Do(func() { close(s.closed) })
	wg.Wait()
	return err
}

func (s *Server) commandLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn := s.conn()
		cmds, err := conn.ReadCommands()
		if err != nil {
			if errors.Is(err, transport.ErrPeerChanged) {
				s.handleDisconnect()
				continue
			}
			if errors.Is(err, transport.ErrDisconnected) {
				s.handleDisconnect()
				if s.reconnector == nil {
					return nil
				}
				newConn, acceptErr := s.reconnector.Accept()
				if acceptErr != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return acceptErr
				}
				s.SetConn(newConn)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, cmd := range cmds {
			s.handleCommand(conn, cmd)
		}
	}
}

func (s *Server) handleDisconnect() {
	wasConnected := s.session.Connected()
	s.session.OnDisconnect()
	if l, ok := s.conn().(addrLatcher); ok {
		l.Unlatch()
	}
	if wasConnected {
		s.app.OnDisconnect()
	}
	s.metrics.Connected.Set(0)
}

func (s *Server) handleCommand(conn transport.Conn, cmd transport.Command) {
	s.metrics.CommandsTotal.Inc()
	result := s.dispatcher.Dispatch(cmd.Payload)

	if len(cmd.Payload) > 0 && cmd.Payload[0] == protocol.CmdConnect && result.Kind == protocol.KindResponse {
		if l, ok := conn.(addrLatcher); ok {
			if udpAddr, ok := cmd.Peer.(*net.UDPAddr); ok {
				l.Latch(udpAddr)
			}
		}
		s.metrics.Connected.Set(1)
	}
	if len(cmd.Payload) > 0 && cmd.Payload[0] == protocol.CmdDisconnect && result.Kind == protocol.KindResponse {
		s.handleDisconnect()
	}

	switch result.Kind {
	case protocol.KindNoResponse:
		return
	case protocol.KindBusy:
		result = protocol.Result{Kind: protocol.KindError, Code: protocol.ErrCmdBusy}
	}

	wire := result.Encode()
	if wire == nil {
		return
	}
	if result.Kind == protocol.KindError {
		s.metrics.ErrorsTotal.WithLabelValues(fmt.Sprintf("0x%02X", uint8(result.Code))).Inc()
	}
	s.sendOrEnqueue(conn, wire)
	s.metrics.ResponsesTotal.Inc()
}

// sendOrEnqueue sends a response straight to the socket when the queue
// is empty, avoiding a reserve/commit/peek/advance round-trip through
// the queue, but must still consume one value from the shared packet
// counter, the same sequence queue.Peek advances for queued DAQ traffic.
func (s *Server) sendOrEnqueue(conn transport.Conn, wire []byte) {
	if s.queue.Empty() {
		frame := xcp.NewFrame(s.nextPacketCounter(), wire)
		buf := make([]byte, frame.WireLen())
		frame.Encode(buf)
		if err := conn.WriteSegment(buf); err == nil {
			return
		}
		// Fall through to the queue on a direct-send failure so the
		// response isn't silently dropped.
	}
	r, ok := s.queue.Reserve(len(wire))
	if !ok {
		s.logger.Warn("transmit queue full, dropping response")
		return
	}
	copy(r.Payload, wire)
	r.Commit()
	s.queue.NotifyWaiters()
}

func (s *Server) nextPacketCounter() uint16 {
	s.pktMu.Lock()
	defer s.pktMu.Unlock()
	s.pktCtr++
	return s.pktCtr
}

// TriggerEvent samples every DAQ list bound to event against base and
// enqueues the resulting DTOs, then resolves any DYN-addressed command
// deferred to this event. Safe to call concurrently for different (or
// the same) event from any number of application goroutines — this is
// the "event producer thread" role.
func (s *Server) TriggerEvent(event uint16, base []byte) error {
	err := s.engine.TriggerEvent(event, base)

	if result, had := s.dispatcher.ResolvePending(event, base); had {
		if wire := result.Encode(); wire != nil {
			s.sendOrEnqueue(s.conn(), wire)
			s.metrics.ResponsesTotal.Inc()
		}
	}
	s.metrics.DaqOverrunTotal.Add(float64(s.queue.Overrun()))
	return err
}

// transmitLoop is the single consumer draining committed queue entries
// into transport segments: it waits for data, peeks as much as fits in
// one segment while holding the shared packet counter, sends it, and
// advances the queue tail only after a successful send.
func (s *Server) transmitLoop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		default:
		}

		s.queue.WaitForData(done)
		select {
		case <-done:
			return
		default:
		}

		s.metrics.QueueDepth.Set(float64(queueDepthHint(s.queue)))

		s.pktMu.Lock()
		n, slots := s.queue.Peek(s.segBuf, len(s.segBuf), &s.pktCtr)
		s.pktMu.Unlock()
		if slots == 0 {
			continue
		}

		if err := s.conn().WriteSegment(s.segBuf[:n]); err != nil {
			s.logger.Warn("transmit failed, retrying", "error", err)
			time.Sleep(5 * time.Millisecond)
			continue
		}
		s.queue.Advance(slots)
	}
}

// queueDepthHint reports whether the queue currently holds anything,
// for the QueueDepth gauge; the queue doesn't expose an exact count, so
// this is a 0/1 occupancy signal rather than a slot count.
func queueDepthHint(q *queue.Queue) int {
	if q.Empty() {
		return 0
	}
	return 1
}

// WaitUntilQueueEmpty blocks until the transmit queue has been fully
// drained or timeout elapses, used after START_STOP_SYNCH(stop_all).
func (s *Server) WaitUntilQueueEmpty(timeout time.Duration) bool {
	return s.queue.WaitUntilEmpty(timeout)
}

// Close shuts down the active connection, unblocking any goroutine
// blocked in Run.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.conn().Close()
}
