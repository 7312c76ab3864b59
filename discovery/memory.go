package discovery

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string][]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string][]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

// Register adds ep, replacing an endpoint with the same address.
func (m *MemoryRegistry) Register(ctx context.Context, protocol string, ep Endpoint, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	eps := m.entries[protocol]
	for i := range eps {
		if eps[i].Addr == ep.Addr {
			eps[i] = ep
			m.notifyLocked(protocol)
			return nil
		}
	}
	m.entries[protocol] = append(eps, ep)
	m.notifyLocked(protocol)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, protocol string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	eps := m.entries[protocol]
	for i, ep := range eps {
		if ep.Addr == addr {
			m.entries[protocol] = append(eps[:i:i], eps[i+1:]...)
			m.notifyLocked(protocol)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, protocol string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Endpoint(nil), m.entries[protocol]...), nil
}

// Watch emits the endpoint list after every change. Slow readers only see
// the latest list.
func (m *MemoryRegistry) Watch(ctx context.Context, protocol string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	m.mu.Lock()
	m.watchers[protocol] = append(m.watchers[protocol], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[protocol]
		for i, w := range ws {
			if w == ch {
				m.watchers[protocol] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

func (m *MemoryRegistry) notifyLocked(protocol string) {
	snapshot := append([]Endpoint(nil), m.entries[protocol]...)
	for _, ch := range m.watchers[protocol] {
		// Drop a stale pending list in favour of the new one.
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
