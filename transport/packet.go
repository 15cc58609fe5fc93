// Package transport implements the packet layer connecting the publisher
// process to the device-host process.
//
// This package handles packet framing, datagram communication, and the
// fragmentation of full video frames into datagram-sized pieces.
//
// Example:
//
//	tr, err := transport.NewUDPTransport("127.0.0.1:0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	packet := &transport.Packet{
//	    PacketType: transport.PacketProbe,
//	    Data:       []byte{...},
//	}
//
//	err = tr.Send(packet, hostAddr)
package transport

import (
	"errors"
)

// PacketType identifies the type of a pipeline packet.
type PacketType byte

const (
	// Discovery packet types
	PacketProbe PacketType = iota + 1
	PacketProbeReply

	// Sink authorization packet types
	PacketAuthInit
	PacketAuthReply

	// Sink stream packet types
	PacketSinkOpen
	PacketSinkOpenAck
	PacketFrameData
	PacketSinkClose

	// Source subscription packet types
	PacketSubscribeSource
	PacketUnsubscribeSource
	PacketSourceFrame
)

// Packet represents a single pipeline packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packetType := PacketType(data[0])
	packet := &Packet{
		PacketType: packetType,
		Data:       make([]byte, len(data)-1),
	}

	copy(packet.Data, data[1:])

	return packet, nil
}
