package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blekit/command"
	"blekit/discovery"
	"blekit/loadbalance"
	"blekit/mux"
	"blekit/server"
	"blekit/transport"
)

func quietLogger() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

// startServer serves a "sensor" protocol whose command 1 answers with name,
// advertised on reg under the listener's address.
func startServer(t *testing.T, reg discovery.Registry, name string, opts ...command.Option) *server.Server {
	t.Helper()
	opts = append([]command.Option{command.WithLogger(quietLogger())}, opts...)
	p := command.New("sensor", "1.0", opts...)
	p.Register(1, "Whoami", func(payload []byte) ([]byte, error) {
		return []byte(name), nil
	})

	r := mux.New(mux.WithLogger(quietLogger()))
	require.NoError(t, r.Register(0, p, true))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := server.NewServer(r,
		server.WithLogger(quietLogger()),
		server.WithDiscovery(reg, ln.Addr().String(), 10),
	)
	go s.Serve(ln)
	t.Cleanup(func() { s.Shutdown(time.Second) })

	require.Eventually(t, func() bool {
		eps, _ := reg.Discover(context.Background(), "sensor")
		for _, ep := range eps {
			if ep.Addr == ln.Addr().String() {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	return s
}

func TestCallRoundRobin(t *testing.T) {
	reg := discovery.NewMemoryRegistry()
	startServer(t, reg, "a")
	startServer(t, reg, "b")

	c := NewClient(reg, WithLogger(quietLogger()))
	defer c.Close()

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		out, err := c.Call(context.Background(), "sensor", 1, nil)
		require.NoError(t, err)
		seen[string(out)]++
	}
	assert.Equal(t, map[string]int{"a": 3, "b": 3}, seen)
}

func TestCallKeyAffinity(t *testing.T) {
	reg := discovery.NewMemoryRegistry()
	startServer(t, reg, "a")
	startServer(t, reg, "b")

	c := NewClient(reg, WithLogger(quietLogger()), WithBalancer(loadbalance.NewConsistentHashBalancer()))
	defer c.Close()

	first, err := c.CallKey(context.Background(), "sensor", "AA:BB:CC:DD:EE:01", 1, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		out, err := c.CallKey(context.Background(), "sensor", "AA:BB:CC:DD:EE:01", 1, nil)
		require.NoError(t, err)
		assert.Equal(t, first, out)
	}
}

func TestCallNoEndpoints(t *testing.T) {
	c := NewClient(discovery.NewMemoryRegistry(), WithLogger(quietLogger()))
	defer c.Close()

	_, err := c.Call(context.Background(), "sensor", 1, nil)
	assert.ErrorIs(t, err, discovery.ErrNoEndpoints)
}

func TestEndpointsFollowDeregistration(t *testing.T) {
	reg := discovery.NewMemoryRegistry()
	a := startServer(t, reg, "a")
	startServer(t, reg, "b")

	c := NewClient(reg, WithLogger(quietLogger()))
	defer c.Close()

	_, err := c.Call(context.Background(), "sensor", 1, nil)
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(time.Second))

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.endpoints["sensor"]) == 1
	}, time.Second, 10*time.Millisecond)

	for i := 0; i < 4; i++ {
		out, err := c.Call(context.Background(), "sensor", 1, nil)
		require.NoError(t, err)
		assert.Equal(t, "b", string(out))
	}
}

func TestProtocolTransportOptions(t *testing.T) {
	reg := discovery.NewMemoryRegistry()
	startServer(t, reg, "tagged", command.WithCorrelation(command.CorrelationTagged))

	c := NewClient(reg,
		WithLogger(quietLogger()),
		WithProtocol("sensor", transport.WithCorrelation(command.CorrelationTagged)),
	)
	defer c.Close()

	out, err := c.Call(context.Background(), "sensor", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "tagged", string(out))
}

func TestRedialAfterConnectionLoss(t *testing.T) {
	reg := discovery.NewMemoryRegistry()
	startServer(t, reg, "a")

	c := NewClient(reg, WithLogger(quietLogger()))
	defer c.Close()

	_, err := c.Call(context.Background(), "sensor", 1, nil)
	require.NoError(t, err)

	c.mu.Lock()
	for _, tr := range c.transports {
		tr.Close()
	}
	c.mu.Unlock()

	out, err := c.Call(context.Background(), "sensor", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", string(out))
}
