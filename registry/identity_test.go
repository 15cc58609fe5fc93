package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultIdentityIsValid(t *testing.T) {
	identity := DefaultIdentity()
	assert.NoError(t, identity.Validate())
	assert.Equal(t, DefaultDeviceID, identity.DeviceID)
	assert.Equal(t, DefaultSourceID, identity.SourceID)
	assert.Equal(t, DefaultSinkID, identity.SinkID)
}

func TestIdentityValidateRejectsMissingMembers(t *testing.T) {
	tests := []struct {
		name     string
		identity DeviceIdentity
	}{
		{"missing device", DeviceIdentity{SourceID: "s", SinkID: "k"}},
		{"missing source", DeviceIdentity{DeviceID: "d", SinkID: "k"}},
		{"missing sink", DeviceIdentity{DeviceID: "d", SourceID: "s"}},
		{"all empty", DeviceIdentity{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.identity.Validate(), ErrIncompleteIdentity)
		})
	}
}

func TestIdentityDigestIsStable(t *testing.T) {
	a := DefaultIdentity()
	b := DefaultIdentity()
	assert.Equal(t, a.Digest(), b.Digest())
}

func TestIdentityDigestSeparatesMembers(t *testing.T) {
	// The separator prevents "ab"+"c" from colliding with "a"+"bc".
	a := DeviceIdentity{DeviceID: "ab", SourceID: "c", SinkID: "x"}
	b := DeviceIdentity{DeviceID: "a", SourceID: "bc", SinkID: "x"}
	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestIdentityDigestChangesWithAnyMember(t *testing.T) {
	base := DefaultIdentity()

	changed := base
	changed.SinkID = "ai.opd.vcam.sink2"
	assert.NotEqual(t, base.Digest(), changed.Digest())
}
