// internal/worker/registry.go
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// WorkerRegistryPrefix is the etcd prefix where worker processes register.
	WorkerRegistryPrefix = "/dispatch/workers/"
)

// Registration is the value stored under a worker's registry key.
type Registration struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	Workers   int       `json:"workers"`
	StartedAt time.Time `json:"started_at"`
}

// Registry keeps a worker process registered in etcd for as long as its
// lease is kept alive.
type Registry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
	stop    context.CancelFunc
}

func NewRegistry(client *clientv3.Client, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger.With("component", "worker-registry"),
	}
}

// Register writes reg under a lease of ttl seconds and keeps the lease alive
// in the background until Deregister.
func (r *Registry) Register(ctx context.Context, reg Registration, ttl int64) error {
	r.key = WorkerRegistryPrefix + reg.ID
	value, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal worker registration: %w", err)
	}

	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err := r.client.Put(ctx, r.key, string(value), clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put worker registration key: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	r.stop = cancel
	keepAliveCh, err := r.client.KeepAlive(kaCtx, r.leaseID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		r.logger.Warn("keep-alive channel closed, worker registration may have expired")
	}()

	r.logger.Info("worker registered successfully", "key", r.key, "addr", reg.Addr)
	return nil
}

// Deregister revokes the lease, which deletes the registration key.
func (r *Registry) Deregister(ctx context.Context) error {
	r.logger.Info("deregistering worker", "key", r.key)
	if r.stop != nil {
		r.stop()
	}
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
