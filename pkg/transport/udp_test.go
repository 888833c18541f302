package transport

import (
	"net"
	"testing"
	"time"

	xcp "github.com/samsamfire/goxcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPConnDecodesFramedCommand(t *testing.T) {
	server, err := ListenUDP(nil, "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := net.Dial("udp", server.sock.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	frame := xcp.NewFrame(0, []byte{0xFF, 0x00})
	buf := make([]byte, frame.WireLen())
	frame.Encode(buf)
	_, err = client.Write(buf)
	require.NoError(t, err)

	cmds, err := server.ReadCommands()
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, []byte{0xFF, 0x00}, cmds[0].Payload)
}

func TestUDPConnRejectsNonLatchedPeerAfterLatch(t *testing.T) {
	server, err := ListenUDP(nil, "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	clientA, err := net.Dial("udp", server.sock.LocalAddr().String())
	require.NoError(t, err)
	defer clientA.Close()
	clientB, err := net.Dial("udp", server.sock.LocalAddr().String())
	require.NoError(t, err)
	defer clientB.Close()

	frame := xcp.NewFrame(0, []byte{0xFF, 0x00})
	buf := make([]byte, frame.WireLen())
	frame.Encode(buf)

	_, err = clientA.Write(buf)
	require.NoError(t, err)
	cmds, err := server.ReadCommands()
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	udpPeer, ok := cmds[0].Peer.(*net.UDPAddr)
	require.True(t, ok)
	server.Latch(udpPeer)

	_, err = clientB.Write(buf)
	require.NoError(t, err)
	_, err = server.ReadCommands()
	assert.ErrorIs(t, err, ErrPeerChanged)
}

func TestUDPConnWriteSegmentRequiresLatch(t *testing.T) {
	server, err := ListenUDP(nil, "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	err = server.WriteSegment([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrNotLatched)
}

func TestUDPConnUnlatchAcceptsAnyPeerAgain(t *testing.T) {
	server, err := ListenUDP(nil, "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	server.Latch(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1234})
	server.Unlatch()
	assert.Nil(t, server.LatchedPeer())

	client, err := net.Dial("udp", server.sock.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	frame := xcp.NewFrame(0, []byte{0x01})
	buf := make([]byte, frame.WireLen())
	frame.Encode(buf)
	_, err = client.Write(buf)
	require.NoError(t, err)

	_ = server.sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	cmds, err := server.ReadCommands()
	require.NoError(t, err)
	require.Len(t, cmds, 1)
}
