package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		h := Of(data)

		parsed, err := Parse(h.String())
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if parsed != h {
			t.Fatalf("round trip mismatch: %s != %s", parsed, h)
		}
	})
}

func TestAlgorithmsDiffer(t *testing.T) {
	data := []byte("ouroboros")
	assert.NotEqual(t, BLAKE3.Sum(data), SHA256.Sum(data))
	assert.Equal(t, BLAKE3.Sum(data), BLAKE3.Sum(data))
}

func TestLookup(t *testing.T) {
	alg, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "blake3", alg.Name())

	alg, err = Lookup("SHA256")
	require.NoError(t, err)
	assert.Equal(t, "sha256", alg.Name())

	_, err = Lookup("md5")
	assert.Error(t, err)
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = Parse("zz")
	assert.Error(t, err)
}

func TestIsZero(t *testing.T) {
	var h Hash
	assert.True(t, h.IsZero())
	assert.False(t, OfString("x").IsZero())
	assert.Len(t, OfString("x").Short(), 16)
}
