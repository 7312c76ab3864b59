// Package protocol implements the framed binary wire format shared by every
// blekit protocol.
//
// Each frame is self-delimiting and carries an additive checksum so a
// receiver can reject corrupted or truncated data before anything is
// dispatched.
//
// Frame format:
//
//	0      1      2            4                 4+n        5+n
//	┌──────┬──────┬────────────┬─────────────────┬──────────┐
//	│header│ cmd  │  length n  │   payload ...   │ checksum │
//	│ 0xAA │uint8 │ uint16 BE  │     n bytes     │  uint8   │
//	└──────┴──────┴────────────┴─────────────────┴──────────┘
//
// The checksum is computed over cmd, length and payload; the header byte is
// excluded. It is a best-effort integrity check, not a cryptographic one.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	Header     byte = 0xAA
	PrefixSize int  = 4 // header + cmd + length
	Overhead   int  = 5 // prefix + checksum

	MaxPayload = 0xFFFF
)

// Checksum computes the trailing check byte over the covered range
// (cmd, length and payload).
type Checksum func(covered []byte) byte

// Additive sums the covered bytes modulo 256.
func Additive(covered []byte) byte {
	var sum byte
	for _, b := range covered {
		sum += b
	}
	return sum
}

// XOR folds the covered bytes with exclusive-or.
func XOR(covered []byte) byte {
	var sum byte
	for _, b := range covered {
		sum ^= b
	}
	return sum
}

// Codec holds the framing parameters a protocol may customise.
// The zero value is not usable; start from DefaultCodec.
type Codec struct {
	Header byte
	Sum    Checksum
}

// DefaultCodec is the 0xAA header with the additive checksum.
var DefaultCodec = Codec{Header: Header, Sum: Additive}

// Encode frames payload under cmd using the default codec.
func Encode(cmd uint8, payload []byte) ([]byte, error) {
	return DefaultCodec.Encode(cmd, payload)
}

// Decode validates frame with the default codec and returns its command id
// and payload.
func Decode(frame []byte) (uint8, []byte, error) {
	return DefaultCodec.Decode(frame)
}

// Encode produces a complete frame. Payloads that do not fit the 16-bit
// length field are rejected, never truncated.
func (c Codec) Encode(cmd uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}

	buf := make([]byte, Overhead+len(payload))
	buf[0] = c.Header
	buf[1] = cmd
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[PrefixSize:], payload)
	buf[len(buf)-1] = c.sum(buf[1 : len(buf)-1])

	return buf, nil
}

// Decode checks, in order, the minimum length, the header byte, the declared
// length and the checksum. The returned payload is a copy; frame is never
// modified.
func (c Codec) Decode(frame []byte) (uint8, []byte, error) {
	if len(frame) < Overhead {
		return 0, nil, fmt.Errorf("%w: got %d bytes", ErrFrameTooShort, len(frame))
	}

	if frame[0] != c.Header {
		return 0, nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrBadHeader, frame[0], c.Header)
	}

	cmd := frame[1]
	length := int(binary.BigEndian.Uint16(frame[2:4]))

	if len(frame) != Overhead+length {
		return 0, nil, fmt.Errorf("%w: declared %d payload bytes, frame is %d bytes", ErrLengthMismatch, length, len(frame))
	}

	want := c.sum(frame[1 : len(frame)-1])
	if got := frame[len(frame)-1]; got != want {
		return 0, nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksumMismatch, got, want)
	}

	payload := make([]byte, length)
	copy(payload, frame[PrefixSize:len(frame)-1])
	return cmd, payload, nil
}

func (c Codec) sum(covered []byte) byte {
	if c.Sum == nil {
		return Additive(covered)
	}
	return c.Sum(covered)
}
