package main

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// demoApplication is a minimal protocol.Application backing a flat
// measurement buffer the example binary ticks in the background, the way
// cmd/canopen's main loop advances PDO/SYNC state on a timer. It exists
// so the example binary has something to CONNECT to and measure; a real
// target would implement protocol.Application over its own memory map.
type demoApplication struct {
	mu    sync.Mutex
	mem   []byte
	start time.Time
	log   *log.Logger

	counter uint32
}

func newDemoApplication(memSize int, logger *log.Logger) *demoApplication {
	return &demoApplication{
		mem:   make([]byte, memSize),
		start: time.Now(),
		log:   logger,
	}
}

func (a *demoApplication) GetClock64() uint64 {
	return uint64(time.Since(a.start).Nanoseconds())
}

func (a *demoApplication) GetBaseAddr() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mem
}

func (a *demoApplication) GetPointer(ext uint8, addr uint32) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(addr) >= len(a.mem) {
		return nil, false
	}
	return a.mem[addr:], true
}

func (a *demoApplication) ConnectPermitted() bool { return true }

func (a *demoApplication) OnDisconnect() {
	a.log.Info("master disconnected")
}

func (a *demoApplication) PrepareDaq(daqLists []uint16) bool {
	a.log.Debug("preparing daq lists", "lists", daqLists)
	return true
}

func (a *demoApplication) StartDaq(daqLists []uint16) {
	a.log.Info("daq started", "lists", daqLists)
}

func (a *demoApplication) StopDaq() {
	a.log.Info("daq stopped")
}

func (a *demoApplication) GetID(idType uint8, dst []byte) uint32 {
	name := []byte("xcpslave-demo")
	n := copy(dst, name)
	_ = n
	return uint32(len(name))
}

// tick advances the demo measurement (a free-running counter at offset 0)
// once per call; the caller's background goroutine invokes this on a
// fixed period before triggering the DAQ event bound to it.
func (a *demoApplication) tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter++
	a.mem[0] = byte(a.counter)
	a.mem[1] = byte(a.counter >> 8)
	a.mem[2] = byte(a.counter >> 16)
	a.mem[3] = byte(a.counter >> 24)
}
