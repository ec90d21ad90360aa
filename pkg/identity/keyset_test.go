package identity

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryKeySet_SignAndVerifyRoundTrip(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "agent-1"}
	signed, err := ks.Sign(context.Background(), claims)
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, ks.KeyFunc())
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
}

func TestInMemoryKeySet_RotateKeepsPriorKeyVerifiable(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)

	signed, err := ks.Sign(context.Background(), jwt.RegisteredClaims{Subject: "agent-1"})
	require.NoError(t, err)

	require.NoError(t, ks.Rotate())

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, ks.KeyFunc())
	require.NoError(t, err)
	assert.True(t, parsed.Valid, "a token signed before rotation must still verify against the retained key")
}

func TestNewInMemoryKeySetFromSeed_IsDeterministic(t *testing.T) {
	seed := []byte("a fixed 32-byte deployment seed!")

	ks1, err := NewInMemoryKeySetFromSeed(seed)
	require.NoError(t, err)
	ks2, err := NewInMemoryKeySetFromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, ks1.currentKID, ks2.currentKID)
	assert.Equal(t, ks1.keys[ks1.currentKID], ks2.keys[ks2.currentKID])
}

func TestNewInMemoryKeySetFromSeed_DifferentSeedsDifferentKeys(t *testing.T) {
	ks1, err := NewInMemoryKeySetFromSeed([]byte("seed-one"))
	require.NoError(t, err)
	ks2, err := NewInMemoryKeySetFromSeed([]byte("seed-two"))
	require.NoError(t, err)

	assert.NotEqual(t, ks1.keys[ks1.currentKID], ks2.keys[ks2.currentKID])
}
