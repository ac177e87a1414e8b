// Package leaseclient caches connections to the raylets a submitter
// leases workers from, so that repeated lease requests to the same
// raylet reuse one underlying client instead of reconnecting.
package leaseclient

import (
	"fmt"
	"sync"

	"github.com/buildbarn/bonanza/pkg/submitter"
)

// Pool is a registry mapping raylet address to an already-connected
// LeaseClient. Entries are never evicted: a submitter's universe of
// raylets is small and long-lived relative to the tasks flowing
// through it, so eviction would only add churn without bounding
// anything meaningful.
type Pool struct {
	factory submitter.LeaseClientFactory

	mu      sync.Mutex
	clients map[submitter.RayletAddress]submitter.LeaseClient
}

// NewPool creates a Pool that opens new connections through factory.
func NewPool(factory submitter.LeaseClientFactory) *Pool {
	return &Pool{
		factory: factory,
		clients: map[submitter.RayletAddress]submitter.LeaseClient{},
	}
}

// GetOrConnect returns the cached LeaseClient for address, opening
// one through the pool's factory if this is the first request for
// that raylet.
func (p *Pool) GetOrConnect(address submitter.RayletAddress) (submitter.LeaseClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[address]; ok {
		return client, nil
	}
	client, err := p.factory(address)
	if err != nil {
		return nil, fmt.Errorf("connecting to raylet %q: %w", address, err)
	}
	p.clients[address] = client
	return client, nil
}
