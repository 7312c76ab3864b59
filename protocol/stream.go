package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// Reader reassembles whole frames from a byte stream such as a TCP
// connection or a serial line.
//
// Bytes before a header byte are skipped. A candidate frame is only
// consumed once its checksum matches; otherwise the reader drops the header
// byte and rescans from the next one, so a corrupted frame cannot swallow
// the valid frames behind it. A corrupted length field still holds the reader
// until that many bytes have arrived or the stream ends, because until then
// it cannot tell a long frame from a broken one.
type Reader struct {
	r       *bufio.Reader
	codec   Codec
	skipped uint64
	dropped uint64
}

// NewReader wraps r. The codec supplies the header byte to synchronise on and
// the checksum candidate frames must pass.
func NewReader(r io.Reader, c Codec) *Reader {
	return &Reader{
		r:     bufio.NewReaderSize(r, Overhead+MaxPayload),
		codec: c,
	}
}

// ReadFrame blocks until one complete, checksum-valid frame is available and
// returns it. A stream that ends inside a frame yields io.ErrUnexpectedEOF; a
// stream that ends between frames yields io.EOF.
func (fr *Reader) ReadFrame() ([]byte, error) {
	truncated := false
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if truncated && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if b != fr.codec.Header {
			fr.skipped++
			continue
		}

		// rest is everything after the header byte.
		rest, err := fr.r.Peek(PrefixSize - 1)
		if err == nil {
			length := int(binary.BigEndian.Uint16(rest[1:3]))
			rest, err = fr.r.Peek(Overhead + length - 1)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			// The stream ends inside this candidate; a later header in the
			// remaining bytes may still start a whole frame.
			truncated = true
			fr.skipped++
			continue
		}

		frame := make([]byte, 1+len(rest))
		frame[0] = fr.codec.Header
		copy(frame[1:], rest)
		if frame[len(frame)-1] != fr.codec.sum(frame[1:len(frame)-1]) {
			fr.skipped++
			fr.dropped++
			continue
		}
		if _, err := fr.r.Discard(len(rest)); err != nil {
			return nil, err
		}
		return frame, nil
	}
}

// Skipped reports how many bytes were discarded while searching for a frame.
func (fr *Reader) Skipped() uint64 {
	return fr.skipped
}

// Dropped reports how many candidate frames failed the checksum.
func (fr *Reader) Dropped() uint64 {
	return fr.dropped
}

// WriteFrame writes one encoded frame to w.
// The caller must serialise writers sharing w, otherwise frames interleave.
func WriteFrame(w io.Writer, frame []byte) error {
	n, err := w.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}
