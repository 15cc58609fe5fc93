package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxDatagramSize bounds the receive buffer. Frame fragments are sized well
// below this so a fragment plus its header always fits one datagram.
const maxDatagramSize = 65507

// UDPTransport implements datagram communication between the publisher and
// the device host over the loopback interface. It satisfies the Transport
// interface.
//
// Incoming packets are dispatched to handlers serially on the read loop
// goroutine, preserving arrival order for frame delivery.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handlers   map[PacketType]PacketHandler
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewUDPTransport creates a new UDP transport listener.
func NewUDPTransport(listenAddr string) (Transport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	transport := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		handlers:   make(map[PacketType]PacketHandler),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewUDPTransport",
		"listen_addr": transport.listenAddr.String(),
	}).Debug("UDP transport listening")

	go transport.processPackets()

	return transport, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the transport and waits for the read loop to exit, so no
// handler can fire against torn-down state after Close returns.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

// processPackets handles incoming packets until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer close(t.done)
	buffer := make([]byte, maxDatagramSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	data, addr, err := t.readPacketData(buffer)
	if err != nil {
		return
	}

	packet, err := ParsePacket(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"error":    err.Error(),
		}).Trace("Discarding unparseable datagram")
		return
	}

	t.dispatchPacketToHandler(packet, addr)
}

// readPacketData reads data from the connection with timeout handling.
func (t *UDPTransport) readPacketData(buffer []byte) ([]byte, net.Addr, error) {
	// Short read deadline so the loop notices cancellation promptly.
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, err
	}

	return buffer[:n], addr, nil
}

// dispatchPacketToHandler finds and executes the appropriate packet handler.
// Dispatch is synchronous: a frame fragment must not overtake the fragment
// that arrived before it.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr net.Addr) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if !exists {
		return
	}

	if err := handler(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatchPacketToHandler",
			"packet_type": packet.PacketType,
			"error":       err.Error(),
		}).Trace("Packet handler returned error")
	}
}
