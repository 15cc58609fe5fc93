package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// pipeQueueDepth bounds each pipe endpoint's inbox. A full inbox drops the
// incoming packet, mirroring datagram semantics: the pipeline is lossy by
// contract and must never block a sender.
const pipeQueueDepth = 256

// PipeAddr implements net.Addr for in-memory pipe endpoints.
type PipeAddr struct {
	Name string
}

// Network returns the pipe network name.
func (a PipeAddr) Network() string { return "pipe" }

// String returns the endpoint name.
func (a PipeAddr) String() string { return a.Name }

// PipeTransport is an in-memory Transport connected to a peer PipeTransport.
// It preserves send order and drops on overflow, matching the behavior the
// pipeline expects from the datagram transport. Used by tests and by
// single-process embeddings where publisher and device share a process.
type PipeTransport struct {
	addr     PipeAddr
	peer     *PipeTransport
	handlers map[PacketType]PacketHandler
	inbox    chan pipeDelivery
	mu       sync.RWMutex
	closeMu  sync.Mutex
	closed   bool
	done     chan struct{}
}

type pipeDelivery struct {
	packet *Packet
	from   net.Addr
}

// NewPipePair creates two connected in-memory transports. Packets sent on
// one are delivered, in order, to handlers registered on the other.
func NewPipePair(nameA, nameB string) (*PipeTransport, *PipeTransport) {
	a := newPipeEndpoint(nameA)
	b := newPipeEndpoint(nameB)
	a.peer = b
	b.peer = a

	go a.dispatchLoop()
	go b.dispatchLoop()

	return a, b
}

func newPipeEndpoint(name string) *PipeTransport {
	return &PipeTransport{
		addr:     PipeAddr{Name: name},
		handlers: make(map[PacketType]PacketHandler),
		inbox:    make(chan pipeDelivery, pipeQueueDepth),
		done:     make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a specific packet type.
func (t *PipeTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send delivers a packet to the peer endpoint's inbox. The destination
// address is ignored; a pipe has exactly one peer. A full peer inbox drops
// the packet and reports the overflow as an error so callers can treat it
// as an enqueue failure.
func (t *PipeTransport) Send(packet *Packet, _ net.Addr) error {
	// Serialize and reparse so ownership of the data transfers across the
	// boundary exactly as it would over a real socket.
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	copied, err := ParsePacket(data)
	if err != nil {
		return err
	}

	t.closeMu.Lock()
	closed := t.closed
	t.closeMu.Unlock()
	if closed {
		return errors.New("pipe transport is closed")
	}

	// The peer's closeMu orders this send against its Close: Close flips
	// closed before closing the inbox under the same mutex, so a send that
	// passes the check here cannot hit a closed channel.
	peer := t.peer
	peer.closeMu.Lock()
	defer peer.closeMu.Unlock()
	if peer.closed {
		return errors.New("peer transport is closed")
	}

	select {
	case peer.inbox <- pipeDelivery{packet: copied, from: t.addr}:
		return nil
	default:
		return errors.New("peer inbox full")
	}
}

// Close shuts down this endpoint and waits for its dispatch loop to exit.
func (t *PipeTransport) Close() error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	t.closeMu.Unlock()

	close(t.inbox)
	<-t.done
	return nil
}

// LocalAddr returns this endpoint's address.
func (t *PipeTransport) LocalAddr() net.Addr {
	return t.addr
}

// PeerAddr returns the connected peer's address.
func (t *PipeTransport) PeerAddr() net.Addr {
	return t.peer.addr
}

// dispatchLoop delivers inbox packets to handlers serially, preserving
// arrival order.
func (t *PipeTransport) dispatchLoop() {
	defer close(t.done)

	for delivery := range t.inbox {
		t.mu.RLock()
		handler, exists := t.handlers[delivery.packet.PacketType]
		t.mu.RUnlock()

		if !exists {
			continue
		}

		if err := handler(delivery.packet, delivery.from); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "dispatchLoop",
				"endpoint":    t.addr.Name,
				"packet_type": delivery.packet.PacketType,
				"error":       err.Error(),
			}).Trace("Packet handler returned error")
		}
	}
}
