// Package sinkauth implements the Sink authorization handshake.
//
// Before the device host accepts frames on its Sink endpoint, the publisher
// must complete a Noise NN handshake over the transport. Completion yields a
// session token both sides derive independently from the handshake channel
// binding; the Sink then only honors stream-open and frame packets carrying
// that token. The NN pattern is deliberate: the two processes share no
// pre-distributed keys, only the build-time device identity, so the
// handshake establishes a session rather than authenticating long-term
// identities.
package sinkauth

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete.
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrInvalidMessage indicates received message is invalid for current state.
	ErrInvalidMessage = errors.New("invalid message for current handshake state")
)

// Role defines whether we're initiating or responding to the handshake.
type Role uint8

const (
	// Initiator starts the handshake (the publisher).
	Initiator Role = iota
	// Responder responds to handshake initiation (the device host).
	Responder
)

// TokenSize is the length of the derived session token in bytes.
const TokenSize = 32

// Handshake implements the Noise NN pattern session establishment between
// the publisher and the device host's Sink endpoint.
type Handshake struct {
	role     Role
	state    *noise.HandshakeState
	complete bool
	token    [TokenSize]byte
}

// New creates a handshake for the given role.
func New(role Role) (*Handshake, error) {
	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	config := noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   role == Initiator,
		Prologue:    []byte("vcam-sink-auth-v1"),
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &Handshake{
		role:  role,
		state: state,
	}, nil
}

// WriteMessage produces the next outbound handshake message.
// The initiator calls this first; the responder calls it after reading the
// initiator's message, which also completes the handshake on its side.
func (h *Handshake) WriteMessage() ([]byte, error) {
	if h.complete {
		return nil, ErrHandshakeComplete
	}

	msg, cs1, cs2, err := h.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}

	if cs1 != nil && cs2 != nil {
		h.finish()
	}
	return msg, nil
}

// ReadMessage consumes an inbound handshake message. The initiator's second
// read completes the handshake on its side.
func (h *Handshake) ReadMessage(data []byte) error {
	if h.complete {
		return ErrHandshakeComplete
	}

	_, cs1, cs2, err := h.state.ReadMessage(nil, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if cs1 != nil && cs2 != nil {
		h.finish()
	}
	return nil
}

// IsComplete reports whether the handshake finished.
func (h *Handshake) IsComplete() bool {
	return h.complete
}

// SessionToken returns the derived session token. Both sides compute the
// same token from the handshake channel binding.
func (h *Handshake) SessionToken() ([TokenSize]byte, error) {
	if !h.complete {
		return [TokenSize]byte{}, ErrHandshakeNotComplete
	}
	return h.token, nil
}

func (h *Handshake) finish() {
	h.token = blake2b.Sum256(h.state.ChannelBinding())
	h.complete = true
}
