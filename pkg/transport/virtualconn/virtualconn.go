// Package virtualconn provides an in-memory transport.Conn pair for
// tests: two goroutines joined by pipes instead of a real socket, using
// the same length-prefixed framing a real TCP session would use.
package virtualconn

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/samsamfire/goxcp/pkg/transport"
)

// Conn is one half of a Pair.
type Conn struct {
	r  io.ReadCloser
	w  io.WriteCloser
	mu sync.Mutex
}

// Pair returns two connected Conns; commands written on one arrive as
// ReadCommands results on the other.
func Pair() (a, b *Conn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a = &Conn{r: r1, w: w2}
	b = &Conn{r: r2, w: w1}
	return a, b
}

func (c *Conn) ReadCommands() ([]transport.Command, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil, transport.ErrDisconnected
		}
		return nil, err
	}
	dlc := binary.LittleEndian.Uint16(header[0:2])
	payload := make([]byte, dlc)
	if dlc > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return nil, err
		}
	}
	return []transport.Command{{Payload: payload}}, nil
}

func (c *Conn) WriteSegment(segment []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.w.Write(segment)
	return err
}

func (c *Conn) Close() error {
	_ = c.r.Close()
	return c.w.Close()
}
