package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"blekit/message"
	"blekit/protocol"
)

var (
	ErrUnknownCommand = errors.New("command: unknown command")
	ErrMissingTag     = errors.New("command: tagged frame without correlation tag")
)

// HandlerError reports a handler that failed, panicked, or returned a reply
// that could not be framed.
type HandlerError struct {
	CommandID uint8
	Name      string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("command: handler %s (0x%02x) failed: %v", e.Name, e.CommandID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Handle runs the full dispatch pipeline for one frame and reports exactly
// why no reply was produced:
//
//   - nil, nil: the handler ran and chose not to reply.
//   - frame, nil: the reply frame, under the request's command id.
//   - nil, err: a protocol.Err* decode error, ErrUnknownCommand,
//     ErrMissingTag or a *HandlerError.
//
// With WithErrorResponses, post-decode failures also return an error frame
// alongside err.
func (p *Protocol) Handle(ctx context.Context, frame []byte) ([]byte, error) {
	p.stats.frames.Add(1)

	cmd, payload, err := p.codec.Decode(frame)
	if err != nil {
		p.stats.decodeError(err)
		return nil, err
	}

	// The tag is taken before the lookup so every error frame echoes it.
	var tag []byte
	if p.correlation == CorrelationTagged && len(payload) > 0 {
		tag, payload = payload[:1], payload[1:]
	}

	e, ok := p.Lookup(cmd)
	if !ok || e.Handler == nil {
		p.stats.unknown.Add(1)
		err := fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, cmd)
		return p.errorFrame(cmd, tag, err), err
	}
	if p.correlation == CorrelationTagged && tag == nil {
		p.stats.unknown.Add(1)
		err := fmt.Errorf("%w: command 0x%02x", ErrMissingTag, cmd)
		return p.errorFrame(cmd, nil, err), err
	}

	resp := p.chain()(withEntry(ctx, e), &message.Request{
		Protocol:    p.name,
		CommandID:   cmd,
		CommandName: e.Name,
		Payload:     payload,
	})
	if resp == nil {
		resp = &message.Response{}
	}
	if resp.Err != nil {
		herr := &HandlerError{CommandID: cmd, Name: e.Name, Err: resp.Err}
		p.stats.handler.Add(1)
		return p.errorFrame(cmd, tag, herr), herr
	}
	if resp.Payload == nil {
		return nil, nil
	}

	reply := resp.Payload
	if tag != nil {
		reply = append(append(make([]byte, 0, len(tag)+len(reply)), tag...), reply...)
	}
	out, err := p.codec.Encode(cmd, reply)
	if err != nil {
		herr := &HandlerError{CommandID: cmd, Name: e.Name, Err: err}
		p.stats.handler.Add(1)
		return p.errorFrame(cmd, tag, herr), herr
	}

	p.stats.responses.Add(1)
	return out, nil
}

// Dispatch handles frame and returns the reply frame, or nil when there is
// nothing to send. Failures are logged and counted, never returned; use
// Handle when the caller needs to tell them apart.
func (p *Protocol) Dispatch(frame []byte) []byte {
	return p.DispatchContext(context.Background(), frame)
}

// DispatchContext is Dispatch with a caller-supplied context for middleware.
func (p *Protocol) DispatchContext(ctx context.Context, frame []byte) []byte {
	out, err := p.Handle(ctx, frame)
	if err != nil {
		p.report(err, len(frame))
	}
	return out
}

func (p *Protocol) report(err error, n int) {
	entry := p.logger.WithFields(logrus.Fields{"frame_len": n})

	var herr *HandlerError
	switch {
	case errors.As(err, &herr):
		entry.WithFields(logrus.Fields{
			"cmd_id":  herr.CommandID,
			"command": herr.Name,
		}).WithError(herr.Err).Error("handler failed")
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrMissingTag):
		entry.WithError(err).Warn("command not dispatched")
	default:
		entry.WithField("kind", protocol.Kind(err)).WithError(err).Error("frame rejected")
	}
}

// errorFrame builds the structured failure reply when enabled.
func (p *Protocol) errorFrame(cmd uint8, tag []byte, cause error) []byte {
	if !p.errReplies {
		return nil
	}

	text := []byte(cause.Error())
	if limit := protocol.MaxPayload - len(tag) - 1; len(text) > limit {
		text = text[:limit]
	}
	payload := make([]byte, 0, len(tag)+1+len(text))
	payload = append(payload, tag...)
	payload = append(payload, cmd)
	payload = append(payload, text...)

	out, err := p.codec.Encode(p.errCmd, payload)
	if err != nil {
		return nil
	}
	return out
}
