package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeWAV(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80}
	data, err := EncodeWAV(pcm, 16000, 1)
	require.NoError(t, err)
	assert.Len(t, data, wavHeaderSize+len(pcm))
	assert.Equal(t, "RIFF", string(data[0:4]))

	out, header, err := DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, pcm, out)
	assert.Equal(t, uint16(1), header.NumChannels)
	assert.Equal(t, uint32(32000), header.ByteRate)
}

func TestEncodeWAVEmptyPayload(t *testing.T) {
	data, err := EncodeWAV(nil, 16000, 1)
	require.NoError(t, err)
	assert.Len(t, data, wavHeaderSize)

	out, _, err := DecodeWAV(data)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEncodeWAVRejectsBadInput(t *testing.T) {
	_, err := EncodeWAV([]byte{1}, 16000, 1)
	assert.Error(t, err)
	_, err = EncodeWAV([]byte{1, 0}, 0, 1)
	assert.Error(t, err)

	_, _, err = DecodeWAV([]byte("short"))
	assert.Error(t, err)
}

func TestPCMDuration(t *testing.T) {
	assert.InDelta(t, 1.0, PCMDuration(32000, 16000, 1), 1e-9)
	assert.Zero(t, PCMDuration(100, 0, 1))
}
