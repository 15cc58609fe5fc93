package sinkauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runHandshake completes the two-message NN exchange between fresh parties.
func runHandshake(t *testing.T) (*Handshake, *Handshake) {
	t.Helper()

	initiator, err := New(Initiator)
	require.NoError(t, err)
	responder, err := New(Responder)
	require.NoError(t, err)

	msg1, err := initiator.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, responder.ReadMessage(msg1))

	msg2, err := responder.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, initiator.ReadMessage(msg2))

	return initiator, responder
}

func TestHandshakeDerivesMatchingTokens(t *testing.T) {
	initiator, responder := runHandshake(t)

	assert.True(t, initiator.IsComplete())
	assert.True(t, responder.IsComplete())

	tokenA, err := initiator.SessionToken()
	require.NoError(t, err)
	tokenB, err := responder.SessionToken()
	require.NoError(t, err)

	assert.Equal(t, tokenA, tokenB, "both sides must derive the same session token")
	assert.NotEqual(t, [TokenSize]byte{}, tokenA, "token must not be zero")
}

func TestHandshakeTokensDifferPerSession(t *testing.T) {
	firstInitiator, _ := runHandshake(t)
	secondInitiator, _ := runHandshake(t)

	tokenA, err := firstInitiator.SessionToken()
	require.NoError(t, err)
	tokenB, err := secondInitiator.SessionToken()
	require.NoError(t, err)

	assert.NotEqual(t, tokenA, tokenB, "each handshake must derive a fresh token")
}

func TestSessionTokenBeforeCompletion(t *testing.T) {
	initiator, err := New(Initiator)
	require.NoError(t, err)

	_, err = initiator.SessionToken()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
}

func TestHandshakeRejectsGarbageMessage(t *testing.T) {
	responder, err := New(Responder)
	require.NoError(t, err)

	err = responder.ReadMessage([]byte("not a handshake message"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestHandshakeRejectsReuseAfterCompletion(t *testing.T) {
	initiator, responder := runHandshake(t)

	_, err := initiator.WriteMessage()
	assert.ErrorIs(t, err, ErrHandshakeComplete)
	err = responder.ReadMessage([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrHandshakeComplete)
}
