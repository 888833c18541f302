package server

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goxcp/pkg/config"
	"github.com/samsamfire/goxcp/pkg/daq"
	"github.com/samsamfire/goxcp/pkg/transport"
	"github.com/samsamfire/goxcp/pkg/transport/virtualconn"
)

type fakeApp struct {
	base  []byte
	clock uint64
}

func (a *fakeApp) GetClock64() uint64  { return a.clock }
func (a *fakeApp) GetBaseAddr() []byte { return a.base }
func (a *fakeApp) GetPointer(ext uint8, addr uint32) ([]byte, bool) {
	if int(addr) > len(a.base) {
		return nil, false
	}
	return a.base[addr:], true
}
func (a *fakeApp) ConnectPermitted() bool                   { return true }
func (a *fakeApp) OnDisconnect()                             {}
func (a *fakeApp) PrepareDaq(daqLists []uint16) bool          { return true }
func (a *fakeApp) StartDaq(daqLists []uint16)                 {}
func (a *fakeApp) StopDaq()                                   {}
func (a *fakeApp) GetID(idType uint8, dst []byte) (n uint32) { return 0 }

// fakeClock hands out a fixed, caller-supplied sequence of ticks, one per
// call, so DAQ timestamp tests don't depend on wall-clock timing.
type fakeClock struct {
	ticks []uint64
	i     int
}

func (c *fakeClock) NowTicks() uint64 {
	if c.i >= len(c.ticks) {
		return c.ticks[len(c.ticks)-1]
	}
	t := c.ticks[c.i]
	c.i++
	return t
}

func newTestApp() *fakeApp {
	base := make([]byte, 8192)
	for i := range base {
		base[i] = byte(i)
	}
	return &fakeApp{base: base}
}

// readFrame reads one {dlc, ctr, payload} frame off a virtualconn.Conn the
// way the real master would.
func readFrame(t *testing.T, conn *virtualconn.Conn) []byte {
	t.Helper()
	cmds, err := conn.ReadCommands()
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	return cmds[0].Payload
}

func writeCommand(t *testing.T, conn *virtualconn.Conn, payload []byte) {
	t.Helper()
	header := make([]byte, 4)
	binary.LittleEndian.PutUint16(header[0:2], uint16(len(payload)))
	require.NoError(t, conn.WriteSegment(append(header, payload...)))
}

func newTestServer(t *testing.T, app *fakeApp, clock *fakeClock) (*Server, *virtualconn.Conn, func()) {
	t.Helper()
	serverConn, driverConn := virtualconn.Pair()
	cfg := config.Default()
	cfg.MaxCto = 8
	cfg.QueueSize = 4
	events := []daq.Event{{Name: "e0"}}
	s := NewWithClock(cfg, events, app, serverConn, nil, prometheus.NewRegistry(), clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	cleanup := func() {
		cancel()
		_ = driverConn.Close()
		<-done
	}
	return s, driverConn, cleanup
}

// S1: CONNECT response begins 0xFF with resource byte DAQ|CAL and max_cto
// echoing the configured value.
func TestScenarioS1Connect(t *testing.T) {
	app := newTestApp()
	s, driver, cleanup := newTestServer(t, app, &fakeClock{ticks: []uint64{0}})
	defer cleanup()
	_ = s

	writeCommand(t, driver, []byte{0xFF, 0x00})
	wire := readFrame(t, driver)
	require.Len(t, wire, 8)
	assert.Equal(t, byte(0xFF), wire[0])
	assert.Equal(t, byte(0x05), wire[1]) // DAQ | CAL_PAG
	assert.Equal(t, byte(8), wire[3])    // max_cto
}

// S2: SET_MTA(ext=0,addr=0); UPLOAD(4) returns the 4 bytes at address 0.
func TestScenarioS2SetMtaUpload(t *testing.T) {
	app := newTestApp()
	s, driver, cleanup := newTestServer(t, app, &fakeClock{ticks: []uint64{0}})
	defer cleanup()
	_ = s

	writeCommand(t, driver, []byte{0xFF, 0x00})
	readFrame(t, driver)

	writeCommand(t, driver, []byte{0xF6, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	readFrame(t, driver)

	writeCommand(t, driver, []byte{0xF5, 0x04})
	wire := readFrame(t, driver)
	require.Len(t, wire, 5)
	assert.Equal(t, byte(0xFF), wire[0])
	assert.Equal(t, []byte{0, 1, 2, 3}, wire[1:])
}

// S5: CONNECT; SYNCH -> negative response FE 00 (cmd_synch).
func TestScenarioS5Synch(t *testing.T) {
	app := newTestApp()
	s, driver, cleanup := newTestServer(t, app, &fakeClock{ticks: []uint64{0}})
	defer cleanup()
	_ = s

	writeCommand(t, driver, []byte{0xFF, 0x00})
	readFrame(t, driver)

	writeCommand(t, driver, []byte{0xFC})
	wire := readFrame(t, driver)
	assert.Equal(t, []byte{0xFE, 0x00}, wire)
}

// S6: CONNECT; unknown command 0xC5 -> negative response FE 20 (cmd_unknown).
func TestScenarioS6UnknownCommand(t *testing.T) {
	app := newTestApp()
	s, driver, cleanup := newTestServer(t, app, &fakeClock{ticks: []uint64{0}})
	defer cleanup()
	_ = s

	writeCommand(t, driver, []byte{0xFF, 0x00})
	readFrame(t, driver)

	writeCommand(t, driver, []byte{0xC5})
	wire := readFrame(t, driver)
	assert.Equal(t, []byte{0xFE, 0x20}, wire)
}

// fakeReconnector hands out a fresh virtualconn pair on every Accept,
// keeping the driver-side end of the most recent pair so tests can reach
// the new session.
type fakeReconnector struct {
	mu     sync.Mutex
	driver *virtualconn.Conn
	closed bool
}

func (r *fakeReconnector) Accept() (transport.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, io.EOF
	}
	serverConn, driverConn := virtualconn.Pair()
	r.driver = driverConn
	return serverConn, nil
}

func (r *fakeReconnector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReconnector) currentDriver() *virtualconn.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driver
}

// A TCP-style disconnect (peer closes) must not tear down the server:
// commandLoop accepts a new session from the Reconnector and keeps going.
func TestServerReconnectsAfterDisconnect(t *testing.T) {
	app := newTestApp()
	cfg := config.Default()
	cfg.MaxCto = 8
	cfg.QueueSize = 4
	events := []daq.Event{{Name: "e0"}}

	serverConn, driver1 := virtualconn.Pair()
	s := NewWithClock(cfg, events, app, serverConn, nil, prometheus.NewRegistry(), &fakeClock{ticks: []uint64{0}})
	recon := &fakeReconnector{}
	s.SetReconnector(recon)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	writeCommand(t, driver1, []byte{0xFF, 0x00})
	readFrame(t, driver1)

	require.NoError(t, driver1.Close())

	require.Eventually(t, func() bool {
		return recon.currentDriver() != nil
	}, time.Second, time.Millisecond)

	driver2 := recon.currentDriver()
	writeCommand(t, driver2, []byte{0xFF, 0x00})
	wire := readFrame(t, driver2)
	assert.Equal(t, byte(0xFF), wire[0])
}

// S3: configure one DAQ list sampling a 4-byte value at 0x1000 on event 0,
// start it, then trigger event 0 three times with known clock ticks. Each
// trigger must produce one DTO: {odt=0, daq=0, ts32, value-at-0x1000}.
func TestScenarioS3DaqTriggerProducesDtos(t *testing.T) {
	app := newTestApp()
	binary.LittleEndian.PutUint32(app.base[0x1000:], 0xCAFEBABE)
	clock := &fakeClock{ticks: []uint64{100, 200, 300}}
	s, driver, cleanup := newTestServer(t, app, clock)
	defer cleanup()

	writeCommand(t, driver, []byte{0xFF, 0x00})
	readFrame(t, driver)

	writeCommand(t, driver, []byte{0xD6}) // FREE_DAQ
	readFrame(t, driver)
	writeCommand(t, driver, []byte{0xD5, 0x00, 0x01, 0x00}) // ALLOC_DAQ(1)
	readFrame(t, driver)
	writeCommand(t, driver, []byte{0xD4, 0x00, 0x00, 0x00, 0x01, 0x00}) // ALLOC_ODT(daq=0, m=1)
	readFrame(t, driver)
	writeCommand(t, driver, []byte{0xD3, 0x00, 0x00, 0x00, 0x00, 0x01}) // ALLOC_ODT_ENTRY(daq=0, odt=0, k=1)
	readFrame(t, driver)
	writeCommand(t, driver, []byte{0xE2, 0x00, 0x00, 0x00, 0x00, 0x00}) // SET_DAQ_PTR(daq=0, odt=0, entry=0)
	readFrame(t, driver)

	writeDaq := make([]byte, 8)
	writeDaq[0] = 0xE1 // WRITE_DAQ
	writeDaq[1] = 4    // size
	writeDaq[2] = 1    // ext
	binary.LittleEndian.PutUint32(writeDaq[4:8], 0x1000)
	writeCommand(t, driver, writeDaq)
	readFrame(t, driver)

	// SET_DAQ_LIST_MODE(mode=0x10, daq=0, event=0, prio=0)
	writeCommand(t, driver, []byte{0xE0, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	readFrame(t, driver)

	// START_STOP_DAQ_LIST(select, daq=0)
	writeCommand(t, driver, []byte{0xDE, 0x02, 0x00, 0x00})
	readFrame(t, driver)

	// START_STOP_SYNCH(start_selected)
	writeCommand(t, driver, []byte{0xDD, 0x01})
	readFrame(t, driver)

	for _, want := range []uint64{100, 200, 300} {
		require.NoError(t, s.TriggerEvent(0, app.base))
		dto := readFrame(t, driver)
		require.Len(t, dto, 10)
		assert.EqualValues(t, 0, dto[0]) // odt number
		assert.EqualValues(t, want, binary.LittleEndian.Uint32(dto[2:6]))
		assert.EqualValues(t, 0xCAFEBABE, binary.LittleEndian.Uint32(dto[6:10]))
	}

	// STOP_ALL must silence further DTOs.
	writeCommand(t, driver, []byte{0xDD, 0x00})
	readFrame(t, driver)
	require.NoError(t, s.TriggerEvent(0, app.base))
	assert.True(t, s.WaitUntilQueueEmpty(100*time.Millisecond))
}
