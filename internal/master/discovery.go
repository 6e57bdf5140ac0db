// internal/master/discovery.go
package master

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"async-dispatch/internal/worker"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// WorkerDiscovery tracks the worker processes registered in etcd so the
// dispatcher can report them.
type WorkerDiscovery struct {
	client  *clientv3.Client
	logger  *slog.Logger
	workers map[string]worker.Registration // map of workerID -> registration
	mu      sync.RWMutex
}

// NewWorkerDiscovery creates a new discovery service.
func NewWorkerDiscovery(client *clientv3.Client, logger *slog.Logger) *WorkerDiscovery {
	return &WorkerDiscovery{
		client:  client,
		logger:  logger.With("component", "worker-discovery"),
		workers: make(map[string]worker.Registration),
	}
}

// WatchWorkers loads the current registrations and then follows changes.
// This is a blocking call and should be run in a goroutine.
func (d *WorkerDiscovery) WatchWorkers(ctx context.Context) {
	d.logger.Info("starting to watch for workers")

	rev, err := d.loadInitialWorkers(ctx)
	if err != nil {
		d.logger.Error("failed to perform initial worker load", "error", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	watchChan := d.client.Watch(ctx, worker.WorkerRegistryPrefix, opts...)

	for watchResp := range watchChan {
		for _, event := range watchResp.Events {
			switch event.Type {
			case clientv3.EventTypePut:
				d.put(event.Kv.Key, event.Kv.Value)
			case clientv3.EventTypeDelete:
				d.remove(event.Kv.Key)
			}
		}
	}
	d.logger.Info("stopped watching for workers")
}

func (d *WorkerDiscovery) loadInitialWorkers(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, worker.WorkerRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		d.put(kv.Key, kv.Value)
	}
	return resp.Header.Revision, nil
}

func (d *WorkerDiscovery) put(key, value []byte) {
	id := strings.TrimPrefix(string(key), worker.WorkerRegistryPrefix)
	var reg worker.Registration
	if err := json.Unmarshal(value, &reg); err != nil {
		d.logger.Warn("ignoring malformed worker registration", "id", id, "error", err)
		return
	}
	if reg.ID == "" {
		reg.ID = id
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.workers[id]; !ok {
		d.logger.Info("new worker discovered", "id", id, "addr", reg.Addr, "workers", reg.Workers)
	}
	d.workers[id] = reg
}

func (d *WorkerDiscovery) remove(key []byte) {
	id := strings.TrimPrefix(string(key), worker.WorkerRegistryPrefix)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("worker deregistered", "id", id, "addr", d.workers[id].Addr)
	delete(d.workers, id)
}

// GetWorkers returns a sorted snapshot of the current worker addresses.
func (d *WorkerDiscovery) GetWorkers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	addrs := make([]string, 0, len(d.workers))
	for _, reg := range d.workers {
		addrs = append(addrs, reg.Addr)
	}
	sort.Strings(addrs)
	return addrs
}
