package transport

import (
	"testing"
	"time"

	xcp "github.com/samsamfire/goxcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulticastResponderAnswersOnGroup(t *testing.T) {
	const clusterID = 0x0102
	const port = 52950

	responder, err := NewMulticastResponder(nil, clusterID, port)
	require.NoError(t, err)
	defer responder.Close()

	done := make(chan struct{})
	go func() {
		_ = responder.Serve(done, func(payload []byte) []byte {
			// Only answer actual GET_DAQ_CLOCK_MULTICAST requests (cmd
			// 0xF2 sub 0x03); multicast loopback means this responder
			// will also observe its own replies on the group, which
			// start with PID_RES (0xFF) and must not be re-answered.
			if len(payload) < 2 || payload[0] != 0xF2 {
				return nil
			}
			return []byte{0x00, byte(clusterID), byte(clusterID >> 8), 1, 2, 3, 4, 5, 6, 7, 8}
		})
	}()
	defer close(done)

	client, err := NewMulticastResponder(nil, clusterID, port)
	require.NoError(t, err)
	defer client.Close()

	req := xcp.NewFrame(0, []byte{0xF2, 0x03})
	buf := make([]byte, req.WireLen())
	req.Encode(buf)
	_, err = client.conn.WriteToUDP(buf, client.group)
	require.NoError(t, err)

	// Multicast loopback means this socket may also observe its own
	// request echoed back before the responder's reply arrives; skip
	// past it.
	respBuf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "timed out waiting for multicast response")
		_ = client.conn.SetReadDeadline(deadline)
		n, _, err := client.conn.ReadFromUDP(respBuf)
		require.NoError(t, err)
		f, _, ok := xcp.DecodeFrame(respBuf[:n])
		require.True(t, ok)
		if f.Payload[0] == 0xF2 {
			continue // our own request, looped back
		}
		assert.Equal(t, byte(0x00), f.Payload[0])
		return
	}
}
