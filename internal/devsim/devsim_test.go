package devsim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seagrayinc/mpcomms/internal/devsim"
	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
)

func TestRepliesLeaveFlipBitClear(t *testing.T) {
	d := devsim.New()
	defer d.Close()

	send := func(toggle packet.Toggle) {
		packets, err := packet.Encode(packet.Message{Command: request.CmdPing, Payload: []byte{0x07}}, toggle)
		require.NoError(t, err)
		require.Len(t, packets, 1)
		_, err = d.Write(append([]byte{0x00}, packets[0].Bytes()...))
		require.NoError(t, err)
	}
	read := func() packet.LinkPacket {
		buf := make([]byte, packet.MaxPacketSize)
		n, err := d.Read(buf)
		require.NoError(t, err)
		lp, err := packet.ParseLinkPacket(buf[:n])
		require.NoError(t, err)
		return lp
	}

	send(0)
	ack := read()
	assert.True(t, ack.Ack())
	assert.Equal(t, packet.Toggle(0), ack.Toggle())
	reply := read()
	assert.False(t, reply.Ack())
	assert.Equal(t, packet.Toggle(0), reply.Toggle())

	send(1)
	ack = read()
	assert.True(t, ack.Ack())
	assert.Equal(t, packet.Toggle(1), ack.Toggle(), "acknowledgment echoes the packet")
	reply = read()
	assert.False(t, reply.Ack())
	assert.Equal(t, packet.Toggle(0), reply.Toggle())

	assert.Len(t, d.Requests(), 2)
}
