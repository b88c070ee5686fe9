package codec_test

import (
	"testing"

	"github.com/reeltake/collab/internal/codec"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	var c = codec.New(4)

	require.True(t, c.Validate([]byte{0x00, 1, 1, 0, 0, 0, 0, 0}))
	require.True(t, c.Validate([]byte{0x01, 1, 1, 0}))
	require.False(t, c.Validate([]byte{0x00, 1, 1}), "below floor")
	require.False(t, c.Validate([]byte{0xff, 1, 1, 0}), "bad header tag")
	require.False(t, c.Validate(nil))
}

func TestEncodeRejectsInvalid(t *testing.T) {
	var c = codec.New(4)

	_, err := c.Encode([]byte{1, 2})
	require.ErrorIs(t, err, codec.ErrInvalidUpdate)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var c = codec.New(4)
	var b = []byte{0x00, 1, 1, 0, 0, 0, 0, 0}

	s, err := c.Encode(b)
	require.NoError(t, err)

	got, err := c.Decode(s)
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestDecodeInvalidEncoding(t *testing.T) {
	var c = codec.New(4)

	_, err := c.Decode("not base64!!!")
	require.ErrorIs(t, err, codec.ErrInvalidEncoding)
}
