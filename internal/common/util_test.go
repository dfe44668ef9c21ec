package common

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeRandHexString(t *testing.T) {
	for _, n := range []int{0, 1, 16, 32} {
		s, err := MakeRandHexString(n)
		require.NoError(t, err)
		assert.Len(t, s, 2*n)

		raw, err := hex.DecodeString(s)
		require.NoError(t, err)
		assert.Len(t, raw, n)
	}

	a, _ := MakeRandHexString(16)
	b, _ := MakeRandHexString(16)
	assert.NotEqual(t, a, b, "oauth state values must not repeat")
}

func TestGenerateRandByteArray(t *testing.T) {
	a := GenerateRandByteArray(32)
	b := GenerateRandByteArray(32)

	require.Len(t, a, 32)
	require.Len(t, b, 32)
	assert.NotEqual(t, a, b)
	assert.Empty(t, GenerateRandByteArray(0))
}

func TestWipeByteArray(t *testing.T) {
	pw := []byte("Secret#123")
	WipeByteArray(pw)
	assert.Equal(t, make([]byte, len("Secret#123")), pw)

	assert.NotPanics(t, func() { WipeByteArray(nil) })
}
