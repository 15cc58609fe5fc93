package transport

import (
	"net"
)

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport defines the interface for moving packets between the publisher
// process and the device-host process. The two processes share no memory;
// everything crosses this boundary as serialized packets.
//
// Implementations must dispatch incoming packets to registered handlers in
// arrival order: frame delivery depends on the transport never reordering
// packets from a single peer.
type Transport interface {
	// Send sends a packet to the specified address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}
