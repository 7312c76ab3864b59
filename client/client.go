// Package client calls commands on discovered frame servers.
//
// Call path:
//
//	Client.Call(protocol, cmd) → endpoints (cached, kept fresh by Watch)
//	  → Balancer.Pick → transport for that address → ClientTransport.Call
package client

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"blekit/discovery"
	"blekit/loadbalance"
	"blekit/logging"
	"blekit/transport"
)

// Dialer opens a connection to a discovered address.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

type Client struct {
	registry discovery.Registry
	balancer loadbalance.Balancer
	dial     Dialer
	logger   *logrus.Entry

	ctx    context.Context // cancelled by Close; scopes watches
	cancel context.CancelFunc

	mu         sync.Mutex
	protoOpts  map[string][]transport.Option
	endpoints  map[string][]discovery.Endpoint // protocol name → last known endpoints
	transports map[string]*transport.ClientTransport
}

type Option func(*Client)

// WithBalancer overrides the default round-robin balancer.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithDialer overrides TCP dialling.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithProtocol sets the transport options (codec, correlation, error
// command) used for connections to servers of the named protocol.
func WithProtocol(name string, opts ...transport.Option) Option {
	return func(c *Client) { c.protoOpts[name] = opts }
}

func WithLogger(l *logrus.Entry) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(reg discovery.Registry, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		registry:   reg,
		balancer:   &loadbalance.RoundRobinBalancer{},
		ctx:        ctx,
		cancel:     cancel,
		protoOpts:  make(map[string][]transport.Option),
		endpoints:  make(map[string][]discovery.Endpoint),
		transports: make(map[string]*transport.ClientTransport),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		var d net.Dialer
		c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if c.logger == nil {
		c.logger = logging.For("client")
	}
	return c
}

// Call sends cmd to a server of protocolName and returns the reply payload.
func (c *Client) Call(ctx context.Context, protocolName string, cmd uint8, payload []byte) ([]byte, error) {
	return c.CallKey(ctx, protocolName, "", cmd, payload)
}

// CallKey is Call with a routing key for affinity balancers, such as the
// address of the device a command concerns.
func (c *Client) CallKey(ctx context.Context, protocolName, key string, cmd uint8, payload []byte) ([]byte, error) {
	t, err := c.transportFor(ctx, protocolName, key)
	if err != nil {
		return nil, err
	}
	return t.Call(ctx, cmd, payload)
}

// Send writes cmd to a server of protocolName without waiting for a reply.
func (c *Client) Send(ctx context.Context, protocolName string, cmd uint8, payload []byte) error {
	t, err := c.transportFor(ctx, protocolName, "")
	if err != nil {
		return err
	}
	return t.Send(cmd, payload)
}

func (c *Client) transportFor(ctx context.Context, protocolName, key string) (*transport.ClientTransport, error) {
	eps, err := c.discover(ctx, protocolName)
	if err != nil {
		return nil, err
	}
	ep, err := c.balancer.Pick(eps, key)
	if err != nil {
		return nil, err
	}
	return c.getTransport(ctx, protocolName, ep.Addr)
}

// discover returns cached endpoints, starting a watch on first use.
func (c *Client) discover(ctx context.Context, protocolName string) ([]discovery.Endpoint, error) {
	c.mu.Lock()
	eps, ok := c.endpoints[protocolName]
	c.mu.Unlock()
	if ok && len(eps) > 0 {
		return eps, nil
	}

	eps, err := c.registry.Discover(ctx, protocolName)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, discovery.ErrNoEndpoints
	}

	c.mu.Lock()
	_, watching := c.endpoints[protocolName]
	c.endpoints[protocolName] = eps
	c.mu.Unlock()

	if !watching {
		go c.watch(protocolName, c.registry.Watch(c.ctx, protocolName))
	}
	return eps, nil
}

func (c *Client) watch(protocolName string, updates <-chan []discovery.Endpoint) {
	for eps := range updates {
		c.mu.Lock()
		c.endpoints[protocolName] = eps
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{"protocol": protocolName, "endpoints": len(eps)}).Debug("endpoints updated")
	}
}

// getTransport returns the live transport for addr, dialling a new one when
// there is none or the previous connection died.
func (c *Client) getTransport(ctx context.Context, protocolName, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	t, ok := c.transports[addr]
	opts := c.protoOpts[protocolName]
	c.mu.Unlock()
	if ok && t.Err() == nil {
		return t, nil
	}

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	opts = append([]transport.Option{transport.WithLogger(c.logger)}, opts...)
	fresh := transport.NewClientTransport(conn, opts...)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have dialled concurrently; keep the first live one.
	if cur, ok := c.transports[addr]; ok && cur != t && cur.Err() == nil {
		fresh.Close()
		return cur, nil
	}
	c.transports[addr] = fresh
	c.logger.WithFields(logrus.Fields{"protocol": protocolName, "addr": addr}).Debug("transport opened")
	return fresh, nil
}

// Close stops watches and closes every transport.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, t := range c.transports {
		if err := t.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		delete(c.transports, addr)
	}
	return errors.Join(errs...)
}
