package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type status struct {
	State  uint8
	Mode   uint8
	Value1 uint16
	Value2 uint16
}

type config struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestBinaryCodecLayout(t *testing.T) {
	data, err := Binary.Encode(&status{State: 1, Mode: 2, Value1: 1000, Value2: 2000})
	require.NoError(t, err)

	// Big-endian, no padding.
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0xE8, 0x07, 0xD0}, data)

	var out status
	require.NoError(t, Binary.Decode(data, &out))
	assert.Equal(t, status{1, 2, 1000, 2000}, out)
}

func TestBinaryCodecScalar(t *testing.T) {
	data, err := Binary.Encode(uint16(0x1234))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, data)
}

func TestBinaryCodecIgnoresTrailingBytes(t *testing.T) {
	var id uint16
	require.NoError(t, Binary.Decode([]byte{0x00, 0x02, 0xFF, 0xFF}, &id))
	assert.Equal(t, uint16(2), id)
}

func TestBinaryCodecShortPayload(t *testing.T) {
	var out status
	err := Binary.Decode([]byte{0x01, 0x02}, &out)
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestBinaryCodecRejectsVariableSize(t *testing.T) {
	_, err := Binary.Encode("not fixed")
	assert.Error(t, err)
}

func TestJSONCodec(t *testing.T) {
	data, err := JSON.Encode(&config{Name: "interval", Value: 30})
	require.NoError(t, err)

	var out config
	require.NoError(t, JSON.Decode(data, &out))
	assert.Equal(t, config{Name: "interval", Value: 30}, out)
}

func TestGetCodec(t *testing.T) {
	assert.Equal(t, CodecTypeJSON, GetCodec(CodecTypeJSON).Type())
	assert.Equal(t, CodecTypeBinary, GetCodec(CodecTypeBinary).Type())
}
