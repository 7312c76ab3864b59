package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"blekit/discovery"
)

// ConsistentHashBalancer maps routing keys onto a hash ring so the same key
// keeps reaching the same endpoint while the endpoint set is stable. Each
// endpoint is placed on the ring as replicas virtual nodes to even out load.
//
// The ring is rebuilt whenever Pick sees a different endpoint set.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32
	nodes map[uint32]discovery.Endpoint
	set   string // sorted addresses the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]discovery.Endpoint),
	}
}

func (b *ConsistentHashBalancer) addLocked(ep discovery.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
}

func (b *ConsistentHashBalancer) sortLocked() {
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick returns the first endpoint clockwise from key's hash, wrapping
// around past the largest node.
func (b *ConsistentHashBalancer) Pick(endpoints []discovery.Endpoint, key string) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if set := addrSet(endpoints); set != b.set {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]discovery.Endpoint, len(endpoints)*b.replicas)
		for _, ep := range endpoints {
			b.addLocked(ep)
		}
		b.sortLocked()
		b.set = set
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func addrSet(endpoints []discovery.Endpoint) string {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
