// Package mux multiplexes several protocols behind application-chosen ids.
//
// A Registry is an owned value: build it at start-up, register protocols,
// then hand it to whatever feeds it frames (a server, a BLE characteristic
// callback). There is no package-level registry.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"blekit/command"
	"blekit/logging"
)

// ID identifies a protocol within a Registry. Valid ids are >= 0.
type ID int

// Default asks Resolve and the pass-through helpers for the default protocol.
const Default ID = -1

var (
	ErrNoProtocolResolved = errors.New("mux: no protocol resolved")
	ErrInvalidID          = errors.New("mux: invalid protocol id")
	ErrNilProtocol        = errors.New("mux: nil protocol")
)

// Registry routes encode, decode and dispatch calls to a registered protocol.
type Registry struct {
	mu         sync.RWMutex
	protocols  map[ID]*command.Protocol
	defaultID  ID
	hasDefault bool
	logger     *logrus.Entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the entry registration and routing failures are logged on.
func WithLogger(l *logrus.Entry) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{protocols: make(map[ID]*command.Protocol)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.For("mux")
	}
	return r
}

// Register adds p under id, replacing any protocol already there. p becomes
// the default when makeDefault is set or when no default exists yet.
func (r *Registry) Register(id ID, p *command.Protocol, makeDefault bool) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	if p == nil {
		return ErrNilProtocol
	}

	r.mu.Lock()
	r.protocols[id] = p
	becameDefault := makeDefault || !r.hasDefault
	if becameDefault {
		r.defaultID = id
		r.hasDefault = true
	}
	r.mu.Unlock()

	entry := r.logger.WithFields(logrus.Fields{"protocol": p.Name(), "protocol_id": int(id)})
	entry.Info("protocol registered")
	if becameDefault {
		entry.Info("default protocol set")
	}
	return nil
}

// SetDefault makes an already registered protocol the default.
func (r *Registry) SetDefault(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.protocols[id]; !ok {
		return fmt.Errorf("%w: id %d", ErrNoProtocolResolved, id)
	}
	r.defaultID = id
	r.hasDefault = true
	return nil
}

// DefaultID returns the default protocol id, if one is set.
func (r *Registry) DefaultID() (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID, r.hasDefault
}

// IDs lists the registered ids in ascending order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	ids := make([]ID, 0, len(r.protocols))
	for id := range r.protocols {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Resolve returns the protocol registered under id, or the default protocol
// when id is Default. A failed lookup is ErrNoProtocolResolved, which callers
// must treat as a routing failure.
func (r *Registry) Resolve(id ID) (*command.Protocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == Default {
		if !r.hasDefault {
			return nil, fmt.Errorf("%w: no default protocol", ErrNoProtocolResolved)
		}
		id = r.defaultID
	}

	p, ok := r.protocols[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNoProtocolResolved, id)
	}
	return p, nil
}

// Encode frames payload with the codec of the resolved protocol.
func (r *Registry) Encode(id ID, cmd uint8, payload []byte) ([]byte, error) {
	p, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	return p.Encode(cmd, payload)
}

// Decode validates frame with the codec of the resolved protocol.
func (r *Registry) Decode(id ID, frame []byte) (uint8, []byte, error) {
	p, err := r.Resolve(id)
	if err != nil {
		return 0, nil, err
	}
	return p.Decode(frame)
}

// Handle dispatches frame on the resolved protocol; see command.Protocol.Handle.
func (r *Registry) Handle(ctx context.Context, id ID, frame []byte) ([]byte, error) {
	p, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	return p.Handle(ctx, frame)
}

// Dispatch dispatches frame on the resolved protocol and returns the reply
// frame, if any. A routing failure is logged and yields nil.
func (r *Registry) Dispatch(id ID, frame []byte) []byte {
	return r.DispatchContext(context.Background(), id, frame)
}

// DispatchContext is Dispatch with a caller-supplied context.
func (r *Registry) DispatchContext(ctx context.Context, id ID, frame []byte) []byte {
	p, err := r.Resolve(id)
	if err != nil {
		r.logger.WithField("protocol_id", int(id)).WithError(err).Error("frame not routed")
		return nil
	}
	return p.DispatchContext(ctx, frame)
}
