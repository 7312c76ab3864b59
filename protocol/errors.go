package protocol

import "errors"

var (
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrFrameTooShort    = errors.New("protocol: frame too short")
	ErrBadHeader        = errors.New("protocol: bad header")
	ErrLengthMismatch   = errors.New("protocol: length mismatch")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
)

// Kind names the structural failure behind err, or "" when err is not a
// frame error. Used as a metrics and log label.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrFrameTooShort):
		return "frame_too_short"
	case errors.Is(err, ErrBadHeader):
		return "bad_header"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	default:
		return ""
	}
}
