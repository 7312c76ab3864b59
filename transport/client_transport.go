// Package transport implements the peer side of a frame connection.
//
// Replies carry only the request's command id, so at most one call per
// command may be outstanding on a connection. With tagged correlation the
// transport prefixes every request with a tag byte and the key becomes
// (command, tag), allowing up to 256 concurrent calls per command.
//
//	goroutine-1 ──Call(cmd=1)──┐
//	goroutine-2 ──Call(cmd=2)──┼──→ single conn ──→ Server
//	goroutine-3 ──Call(cmd=4)──┘
//
//	recvLoop:  ←── reply(cmd=2) → pending[2] chan → goroutine-2 wakes up
//
// Frames nobody is waiting for are unsolicited (a BLE notification, say)
// and go to the notify callback, if any.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"blekit/command"
	"blekit/logging"
	"blekit/protocol"
)

var (
	ErrCommandInFlight = errors.New("transport: command already in flight")
	ErrClosed          = errors.New("transport: closed")
)

// RemoteError is a failure the peer reported through its error command.
type RemoteError struct {
	CommandID uint8
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: command 0x%02x: %s", e.CommandID, e.Message)
}

// NotifyFunc receives frames that do not answer a pending call.
type NotifyFunc func(cmd uint8, payload []byte)

type result struct {
	payload []byte
	err     error
}

// ClientTransport multiplexes calls over one connection.
type ClientTransport struct {
	conn        net.Conn
	codec       protocol.Codec
	correlation command.Correlation
	errCmd      uint8
	errReplies  bool
	notify      NotifyFunc
	logger      *logrus.Entry

	sending sync.Mutex // whole frames only; interleaved writes corrupt the stream

	mu      sync.Mutex
	pending map[uint16]chan result
	nextTag [256]uint8
	err     error // set once the connection is gone
	done    chan struct{}
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithCodec sets the frame codec. It must match the peer's protocol.
func WithCodec(c protocol.Codec) Option {
	return func(t *ClientTransport) { t.codec = c }
}

// WithCorrelation must match the correlation mode of the peer's protocol.
func WithCorrelation(c command.Correlation) Option {
	return func(t *ClientTransport) { t.correlation = c }
}

// WithErrorCommand turns frames under errCmd into RemoteErrors for the call
// they name. Use it against protocols built with command.WithErrorResponses.
func WithErrorCommand(errCmd uint8) Option {
	return func(t *ClientTransport) {
		t.errCmd = errCmd
		t.errReplies = true
	}
}

// WithNotify sets the callback for unsolicited frames. It runs on the
// receive loop and must not block.
func WithNotify(fn NotifyFunc) Option {
	return func(t *ClientTransport) { t.notify = fn }
}

func WithLogger(l *logrus.Entry) Option {
	return func(t *ClientTransport) { t.logger = l }
}

// NewClientTransport takes ownership of conn and starts the receive loop.
func NewClientTransport(conn net.Conn, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		codec:   protocol.DefaultCodec,
		pending: make(map[uint16]chan result),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.For("transport")
	}
	t.logger = t.logger.WithField("remote", conn.RemoteAddr().String())
	go t.recvLoop()
	return t
}

func key(cmd, tag uint8) uint16 {
	return uint16(cmd)<<8 | uint16(tag)
}

// Call sends cmd with payload and waits for the reply payload. Commands
// whose handler never replies should use Send instead; Call would wait
// until ctx expires.
func (t *ClientTransport) Call(ctx context.Context, cmd uint8, payload []byte) ([]byte, error) {
	tag, ch, err := t.reserve(cmd)
	if err != nil {
		return nil, err
	}

	if t.correlation == command.CorrelationTagged {
		payload = append([]byte{tag}, payload...)
	}
	if err := t.Send(cmd, payload); err != nil {
		t.release(cmd, tag)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		t.release(cmd, tag)
		return nil, ctx.Err()
	}
}

// Send writes one frame without waiting for a reply.
func (t *ClientTransport) Send(cmd uint8, payload []byte) error {
	frame, err := t.codec.Encode(cmd, payload)
	if err != nil {
		return err
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	select {
	case <-t.done:
		return t.Err()
	default:
	}
	return protocol.WriteFrame(t.conn, frame)
}

func (t *ClientTransport) reserve(cmd uint8) (uint8, chan result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return 0, nil, t.err
	}

	ch := make(chan result, 1)
	if t.correlation != command.CorrelationTagged {
		if _, busy := t.pending[key(cmd, 0)]; busy {
			return 0, nil, fmt.Errorf("%w: 0x%02x", ErrCommandInFlight, cmd)
		}
		t.pending[key(cmd, 0)] = ch
		return 0, ch, nil
	}

	for i := 0; i < 256; i++ {
		tag := t.nextTag[cmd]
		t.nextTag[cmd]++
		if _, busy := t.pending[key(cmd, tag)]; !busy {
			t.pending[key(cmd, tag)] = ch
			return tag, ch, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: 0x%02x, all tags in use", ErrCommandInFlight, cmd)
}

func (t *ClientTransport) release(cmd, tag uint8) {
	t.mu.Lock()
	delete(t.pending, key(cmd, tag))
	t.mu.Unlock()
}

// deliver hands r to the call waiting on (cmd, tag) and reports whether one was.
func (t *ClientTransport) deliver(cmd, tag uint8, r result) bool {
	t.mu.Lock()
	ch, ok := t.pending[key(cmd, tag)]
	delete(t.pending, key(cmd, tag))
	t.mu.Unlock()

	if ok {
		ch <- r
	}
	return ok
}

// recvLoop is the only reader of conn; frame boundaries are only known
// while the stream is read sequentially.
func (t *ClientTransport) recvLoop() {
	reader := protocol.NewReader(t.conn, t.codec)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			t.fail(err)
			return
		}

		cmd, payload, err := t.codec.Decode(frame)
		if err != nil {
			t.logger.WithError(err).WithField("kind", protocol.Kind(err)).Warn("dropping malformed frame")
			continue
		}
		t.route(cmd, payload)
	}
}

func (t *ClientTransport) route(cmd uint8, payload []byte) {
	tagged := t.correlation == command.CorrelationTagged

	if t.errReplies && cmd == t.errCmd {
		body := payload
		var tag uint8
		if tagged && len(body) > 0 {
			tag, body = body[0], body[1:]
		}
		if len(body) > 0 {
			failed := body[0]
			rerr := &RemoteError{CommandID: failed, Message: string(body[1:])}
			if t.deliver(failed, tag, result{err: rerr}) {
				return
			}
		}
	}

	switch {
	case !tagged:
		if t.deliver(cmd, 0, result{payload: payload}) {
			return
		}
	case len(payload) > 0:
		if t.deliver(cmd, payload[0], result{payload: payload[1:]}) {
			return
		}
	}

	if t.notify != nil {
		t.notify(cmd, payload)
		return
	}
	t.logger.WithField("cmd", cmd).Debug("unsolicited frame dropped")
}

// fail records err, releases the connection and wakes every pending call.
func (t *ClientTransport) fail(err error) {
	t.mu.Lock()
	first := t.err == nil
	if first {
		if errors.Is(err, net.ErrClosed) {
			t.err = ErrClosed
		} else {
			t.err = fmt.Errorf("%w: %v", ErrClosed, err)
		}
		close(t.done)
	}
	pending := t.pending
	t.pending = make(map[uint16]chan result)
	failure := t.err
	t.mu.Unlock()

	if first {
		t.conn.Close()
	}
	for _, ch := range pending {
		ch <- result{err: failure}
	}
}

// Err returns why the transport stopped, or nil while it is usable.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the connection is gone.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Close closes the connection and fails pending calls with ErrClosed.
func (t *ClientTransport) Close() error {
	if t.Err() != nil {
		return nil
	}
	err := t.conn.Close()
	t.fail(net.ErrClosed)
	return err
}
