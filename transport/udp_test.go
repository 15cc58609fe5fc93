package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransportLoopback(t *testing.T) {
	receiver, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()

	received := make(chan *Packet, 1)
	receiver.RegisterHandler(PacketProbe, func(packet *Packet, addr net.Addr) error {
		received <- packet
		return nil
	})

	err = sender.Send(&Packet{PacketType: PacketProbe, Data: []byte{0xAB}}, receiver.LocalAddr())
	require.NoError(t, err)

	select {
	case packet := <-received:
		assert.Equal(t, []byte{0xAB}, packet.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("Datagram was not delivered")
	}
}

func TestUDPTransportUnhandledTypeIgnored(t *testing.T) {
	receiver, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()

	// No handler registered; delivery must be silently discarded without
	// disturbing the read loop.
	err = sender.Send(&Packet{PacketType: PacketSinkClose, Data: []byte{0}}, receiver.LocalAddr())
	require.NoError(t, err)

	received := make(chan struct{}, 1)
	receiver.RegisterHandler(PacketProbe, func(packet *Packet, addr net.Addr) error {
		received <- struct{}{}
		return nil
	})
	err = sender.Send(&Packet{PacketType: PacketProbe, Data: []byte{1}}, receiver.LocalAddr())
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("Read loop stopped processing after unhandled packet")
	}
}

func TestUDPTransportCloseStopsReadLoop(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- tr.Close() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return, read loop still running")
	}
}
