package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderSplitsConcatenatedFrames(t *testing.T) {
	var stream bytes.Buffer
	var want [][]byte
	for i, p := range []string{"", "a", "hello world"} {
		frame, err := Encode(uint8(i+1), []byte(p))
		require.NoError(t, err)
		require.NoError(t, WriteFrame(&stream, frame))
		want = append(want, frame)
	}

	r := NewReader(&stream, DefaultCodec)
	for _, w := range want {
		got, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}

	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSkipsNoise(t *testing.T) {
	frame, err := Encode(0x04, []byte{0x00, 0x02})
	require.NoError(t, err)

	stream := append([]byte{0x00, 0x13, 0x37}, frame...)
	r := NewReader(bytes.NewReader(stream), DefaultCodec)

	got, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	assert.Equal(t, uint64(3), r.Skipped())
}

func TestReaderTruncatedFrame(t *testing.T) {
	frame, err := Encode(0x04, []byte("truncated"))
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(frame[:len(frame)-2]), DefaultCodec)
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	r = NewReader(bytes.NewReader(frame[:2]), DefaultCodec)
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// Byte-at-a-time delivery mimics small BLE notifications.
func TestReaderReassemblesFragments(t *testing.T) {
	frame, err := Encode(0x09, bytes.Repeat([]byte{0x42}, 300))
	require.NoError(t, err)

	r := NewReader(&oneByteReader{data: frame}, DefaultCodec)
	got, err := r.ReadFrame()
	require.NoError(t, err)

	cmd, payload, err := Decode(got)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x09), cmd)
	assert.Len(t, payload, 300)
}

type oneByteReader struct {
	data []byte
}

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(o.data) == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = o.data[0]
	o.data = o.data[1:]
	return 1, nil
}

func TestReaderResyncsAfterCorruptFrames(t *testing.T) {
	first, err := Encode(0x01, []byte("ping"))
	require.NoError(t, err)
	second, err := Encode(0x02, nil)
	require.NoError(t, err)
	badSum, err := Encode(0x03, []byte("x"))
	require.NoError(t, err)
	badSum[len(badSum)-1]++

	tests := []struct {
		name    string
		corrupt []byte
		dropped uint64
	}{
		{"bad checksum", badSum, 1},
		// Declares 0xFFFF payload bytes; the stream ends well before that.
		{"bad length", []byte{Header, 0x01, 0xFF, 0xFF}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stream bytes.Buffer
			stream.Write(tt.corrupt)
			stream.Write(first)
			stream.Write(second)

			r := NewReader(&stream, DefaultCodec)
			for _, want := range [][]byte{first, second} {
				got, err := r.ReadFrame()
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			assert.Equal(t, uint64(len(tt.corrupt)), r.Skipped())
			assert.Equal(t, tt.dropped, r.Dropped())

			_, err := r.ReadFrame()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestReaderUsesCodecChecksum(t *testing.T) {
	c := Codec{Header: 0x55, Sum: XOR}
	frame, err := c.Encode(0x07, []byte("abc"))
	require.NoError(t, err)

	// An additive checksum would reject this frame.
	r := NewReader(bytes.NewReader(frame), c)
	got, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}
