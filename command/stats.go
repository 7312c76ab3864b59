package command

import (
	"errors"
	"sync/atomic"

	"blekit/protocol"
)

// Stats is a point-in-time copy of a protocol's dispatch counters.
type Stats struct {
	Frames           uint64 // frames passed to Handle
	Responses        uint64 // reply frames produced
	FrameTooShort    uint64
	BadHeader        uint64
	LengthMismatch   uint64
	ChecksumMismatch uint64
	UnknownCommands  uint64 // includes tagged frames missing their tag
	HandlerErrors    uint64
}

// Rejected is the number of frames that failed structural validation.
func (s Stats) Rejected() uint64 {
	return s.FrameTooShort + s.BadHeader + s.LengthMismatch + s.ChecksumMismatch
}

type counters struct {
	frames, responses                           atomic.Uint64
	tooShort, badHeader, lengthMismatch, badSum atomic.Uint64
	unknown, handler                            atomic.Uint64
}

func (c *counters) decodeError(err error) {
	switch {
	case errors.Is(err, protocol.ErrFrameTooShort):
		c.tooShort.Add(1)
	case errors.Is(err, protocol.ErrBadHeader):
		c.badHeader.Add(1)
	case errors.Is(err, protocol.ErrLengthMismatch):
		c.lengthMismatch.Add(1)
	case errors.Is(err, protocol.ErrChecksumMismatch):
		c.badSum.Add(1)
	}
}

// Stats snapshots the dispatch counters.
func (p *Protocol) Stats() Stats {
	return Stats{
		Frames:           p.stats.frames.Load(),
		Responses:        p.stats.responses.Load(),
		FrameTooShort:    p.stats.tooShort.Load(),
		BadHeader:        p.stats.badHeader.Load(),
		LengthMismatch:   p.stats.lengthMismatch.Load(),
		ChecksumMismatch: p.stats.badSum.Load(),
		UnknownCommands:  p.stats.unknown.Load(),
		HandlerErrors:    p.stats.handler.Load(),
	}
}
