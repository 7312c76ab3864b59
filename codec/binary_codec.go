package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrShortPayload = errors.New("codec: payload shorter than target")

// BinaryCodec packs fixed-size values (integers, fixed arrays and structs of
// them) in network byte order, the layout device firmware expects.
//
// Decode reads a prefix of data; trailing bytes are ignored so a reply may
// grow new fields without breaking older readers.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	size := binary.Size(v)
	if size < 0 {
		return nil, fmt.Errorf("codec: %T is not fixed-size", v)
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("codec: %T is not fixed-size", v)
	}
	if len(data) < size {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortPayload, size, len(data))
	}
	return binary.Read(bytes.NewReader(data[:size]), binary.BigEndian, v)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
