// Package codec serialises structured command payloads. Frames carry opaque
// bytes; handlers use a Codec to turn them into typed requests and replies.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

// Binary and JSON are ready-to-use codec values.
var (
	Binary Codec = &BinaryCodec{}
	JSON   Codec = &JSONCodec{}
)

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return JSON
	}

	return Binary
}
