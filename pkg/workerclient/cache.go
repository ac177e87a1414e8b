// Package workerclient caches RPC stubs to workers the submitter has
// leased, keyed both by network address and by worker id.
package workerclient

import (
	"fmt"
	"sync"

	"github.com/buildbarn/bonanza/pkg/submitter"
)

// Cache is a registry mapping a leased worker's address to its
// WorkerClient. Like leaseclient.Pool, entries are never evicted by
// the cache itself; the submitter removes an entry's backing lease
// entry when the worker is returned or exits, but the RPC stub may
// remain cached for reuse if the same worker is leased again.
type Cache struct {
	factory submitter.WorkerClientFactory

	mu          sync.Mutex
	byAddress   map[submitter.WorkerAddress]submitter.WorkerClient
	idByAddress map[submitter.WorkerAddress]submitter.WorkerID
	addrByID    map[submitter.WorkerID]submitter.WorkerAddress
}

// NewCache creates a Cache that opens new worker connections through
// factory.
func NewCache(factory submitter.WorkerClientFactory) *Cache {
	return &Cache{
		factory:     factory,
		byAddress:   map[submitter.WorkerAddress]submitter.WorkerClient{},
		idByAddress: map[submitter.WorkerAddress]submitter.WorkerID{},
		addrByID:    map[submitter.WorkerID]submitter.WorkerAddress{},
	}
}

// GetOrConnect returns the cached WorkerClient for a leased worker at
// address reporting workerID, opening one through the cache's factory
// if this is the first request for that worker.
func (c *Cache) GetOrConnect(address submitter.WorkerAddress, workerID submitter.WorkerID) (submitter.WorkerClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.byAddress[address]; ok {
		return client, nil
	}
	client, err := c.factory(address, workerID)
	if err != nil {
		return nil, fmt.Errorf("connecting to worker %q: %w", address, err)
	}
	c.byAddress[address] = client
	c.idByAddress[address] = workerID
	c.addrByID[workerID] = address
	return client, nil
}

// GetByID looks up a cached WorkerClient by worker id, as used by
// CancelRemote when the caller only knows the id of the worker that
// is executing the task it wants canceled.
func (c *Cache) GetByID(workerID submitter.WorkerID) (submitter.WorkerClient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	address, ok := c.addrByID[workerID]
	if !ok {
		return nil, false
	}
	client, ok := c.byAddress[address]
	return client, ok
}
