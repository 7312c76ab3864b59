// Package discovery advertises frame endpoints and finds them again.
//
// A server registers one Endpoint per protocol it serves; clients look
// endpoints up by protocol name. Two implementations exist: EtcdRegistry for
// fleets and MemoryRegistry for a single process.
package discovery

import (
	"context"
	"errors"
)

var ErrNoEndpoints = errors.New("discovery: no endpoints")

// Endpoint is one reachable frame server.
type Endpoint struct {
	Addr       string `json:"addr"`
	ProtocolID int    `json:"protocol_id"` // id the server routes this protocol under
	Version    string `json:"version,omitempty"`
	Weight     int    `json:"weight,omitempty"` // load balancing weight
}

// Registry is the discovery contract.
type Registry interface {
	Register(ctx context.Context, protocol string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, protocol string, addr string) error
	Discover(ctx context.Context, protocol string) ([]Endpoint, error)
	Watch(ctx context.Context, protocol string) <-chan []Endpoint
}
