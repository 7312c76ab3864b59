// Package command implements a Protocol: a named, versioned command table
// bound to one frame codec.
//
// Dispatch pipeline:
//
//	frame → Codec.Decode → table lookup → middleware chain → Handler
//	      → (reply payload) → Codec.Encode under the same command id
//
// Requests and their replies share a command id; there is no other
// correlation field. A logical connection must therefore have at most one
// outstanding request per command id. CorrelationTagged relaxes this by
// reserving the first payload byte as a request tag.
package command

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"blekit/logging"
	"blekit/message"
	"blekit/middleware"
	"blekit/protocol"
)

// Handler processes a command payload. A nil reply means no response frame;
// a non-nil reply, even an empty one, is sent back under the same command id.
type Handler func(payload []byte) ([]byte, error)

// Entry is one row of the command table. Handler may be nil for commands
// that are named but not served locally.
type Entry struct {
	ID      uint8
	Name    string
	Handler Handler
}

// Correlation selects how a reply is matched to its request.
type Correlation int

const (
	// CorrelationNone matches by command id alone.
	CorrelationNone Correlation = iota
	// CorrelationTagged treats payload[0] as a request tag. The tag is
	// stripped before the handler runs and prepended to the reply.
	CorrelationTagged
)

// Protocol owns a command table and the codec its frames use.
// It is safe for concurrent use; registration may overlap with dispatch.
type Protocol struct {
	name    string
	version string

	codec       protocol.Codec
	correlation Correlation
	errReplies  bool
	errCmd      uint8
	logger      *logrus.Entry
	middlewares []middleware.Middleware

	mu       sync.RWMutex
	commands map[uint8]Entry
	handler  middleware.HandlerFunc

	stats counters
}

// Option configures a Protocol at construction.
type Option func(*Protocol)

// WithCodec overrides the header byte and checksum algorithm.
func WithCodec(c protocol.Codec) Option {
	return func(p *Protocol) { p.codec = c }
}

// WithLogger sets the entry dispatch failures are reported on.
func WithLogger(l *logrus.Entry) Option {
	return func(p *Protocol) { p.logger = l }
}

// WithMiddleware wraps every handler invocation, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(p *Protocol) { p.middlewares = append(p.middlewares, mws...) }
}

// WithCorrelation selects the correlation mode.
func WithCorrelation(c Correlation) Option {
	return func(p *Protocol) { p.correlation = c }
}

// WithErrorResponses makes dispatch failures that happen after a frame was
// decoded (unknown command, handler error) answer with a frame under errCmd
// whose payload is [failed command id][error text], preceded by the request
// tag under CorrelationTagged. Off by default: failures produce no frame.
func WithErrorResponses(errCmd uint8) Option {
	return func(p *Protocol) {
		p.errReplies = true
		p.errCmd = errCmd
	}
}

// New creates an empty protocol.
func New(name, version string, opts ...Option) *Protocol {
	p := &Protocol{
		name:     name,
		version:  version,
		codec:    protocol.DefaultCodec,
		commands: make(map[uint8]Entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.For("command")
	}
	p.logger = p.logger.WithFields(logrus.Fields{"protocol": name, "version": version})
	p.rebuild()
	return p
}

func (p *Protocol) Name() string { return p.name }
func (p *Protocol) Version() string { return p.version }
func (p *Protocol) Codec() protocol.Codec { return p.codec }
func (p *Protocol) Correlation() Correlation { return p.correlation }
func (p *Protocol) String() string { return p.name + "/" + p.version }

// Use appends middleware to the chain. Commands dispatched after Use returns
// run through it.
func (p *Protocol) Use(mws ...middleware.Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.middlewares = append(p.middlewares, mws...)
	p.buildLocked()
}

func (p *Protocol) rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buildLocked()
}

// Panic recovery is always innermost so a panicking handler becomes a
// HandlerError regardless of the configured chain.
func (p *Protocol) buildLocked() {
	mws := append(append([]middleware.Middleware(nil), p.middlewares...), middleware.RecoverMiddleware())
	p.handler = middleware.Chain(mws...)(p.call)
}

// Register inserts or overwrites the entry for id. When an entry already
// existed it is returned with replaced == true; the new entry wins.
func (p *Protocol) Register(id uint8, name string, h Handler) (prev Entry, replaced bool) {
	p.mu.Lock()
	prev, replaced = p.commands[id]
	p.commands[id] = Entry{ID: id, Name: name, Handler: h}
	p.mu.Unlock()

	entry := p.logger.WithFields(logrus.Fields{"cmd_id": id, "command": name})
	if replaced {
		entry.WithField("previous", prev.Name).Warn("command re-registered")
	} else {
		entry.Debug("command registered")
	}
	return prev, replaced
}

// Unregister removes id from the table.
func (p *Protocol) Unregister(id uint8) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.commands[id]
	delete(p.commands, id)
	return prev, ok
}

// Lookup returns the entry for id.
func (p *Protocol) Lookup(id uint8) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.commands[id]
	return e, ok
}

// Commands lists the table ordered by command id.
func (p *Protocol) Commands() []Entry {
	p.mu.RLock()
	out := make([]Entry, 0, len(p.commands))
	for _, e := range p.commands {
		out = append(out, e)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Encode frames payload with this protocol's codec.
func (p *Protocol) Encode(cmd uint8, payload []byte) ([]byte, error) {
	return p.codec.Encode(cmd, payload)
}

// Decode validates frame with this protocol's codec.
func (p *Protocol) Decode(frame []byte) (uint8, []byte, error) {
	return p.codec.Decode(frame)
}

type entryKey struct{}

// withEntry pins the entry Handle resolved, so the handler that runs is the
// one looked up even if the table changes while middleware executes.
func withEntry(ctx context.Context, e Entry) context.Context {
	return context.WithValue(ctx, entryKey{}, e)
}

// call is the innermost handler of the middleware chain.
func (p *Protocol) call(ctx context.Context, req *message.Request) *message.Response {
	e, ok := ctx.Value(entryKey{}).(Entry)
	if !ok {
		e, ok = p.Lookup(req.CommandID)
	}
	if !ok || e.Handler == nil {
		return message.Reply(nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, req.CommandID))
	}
	return message.Reply(e.Handler(req.Payload))
}

func (p *Protocol) chain() middleware.HandlerFunc {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handler
}
