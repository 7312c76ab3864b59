package discovery

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"blekit/logging"
)

// KeyPrefix roots every key this package writes:
//
//	/blekit/{protocol}/{addr} → JSON Endpoint
const KeyPrefix = "/blekit/"

// EtcdRegistry implements Registry on etcd v3. Registrations are attached to
// TTL leases, so an endpoint whose server dies disappears once its lease
// expires.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *logrus.Entry

	mu     sync.Mutex
	leases map[string]lease // key → lease kept alive for it
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		logger: logging.For("discovery").WithField("backend", "etcd"),
		leases: make(map[string]lease),
	}, nil
}

func key(protocol, addr string) string {
	return KeyPrefix + protocol + "/" + addr
}

func prefix(protocol string) string {
	return KeyPrefix + protocol + "/"
}

// Register stores ep under a fresh lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, protocol string, ep Endpoint, ttl int64) error {
	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	k := key(protocol, ep.Addr)
	if _, err := r.client.Put(ctx, k, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return err
	}

	// The keep-alive outlives ctx, which usually only bounds registration.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	if old, ok := r.leases[k]; ok {
		old.cancel()
	}
	r.leases[k] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{"protocol": protocol, "addr": ep.Addr, "ttl": ttl}).Info("endpoint registered")
	return nil
}

// Deregister removes the endpoint and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, protocol string, addr string) error {
	k := key(protocol, addr)

	r.mu.Lock()
	l, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.logger.WithError(err).Warn("lease revoke failed")
		}
	}

	_, err := r.client.Delete(ctx, k)
	return err
}

// Discover lists the endpoints currently registered for protocol.
func (r *EtcdRegistry) Discover(ctx context.Context, protocol string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, prefix(protocol), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.WithField("key", string(kv.Key)).WithError(err).Warn("skipping malformed endpoint")
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch emits the full endpoint list whenever anything under the protocol's
// prefix changes. The channel closes when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, protocol string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, prefix(protocol), clientv3.WithPrefix()) {
			// Re-listing is simpler than replaying individual events.
			endpoints, err := r.Discover(ctx, protocol)
			if err != nil {
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops every keep-alive and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for k, l := range r.leases {
		l.cancel()
		delete(r.leases, k)
	}
	r.mu.Unlock()
	return r.client.Close()
}
