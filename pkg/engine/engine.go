package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/asyncgate/asyncgate/pkg/config"
	"github.com/asyncgate/asyncgate/pkg/ledger"
	"github.com/asyncgate/asyncgate/pkg/log"
	"github.com/asyncgate/asyncgate/pkg/storage"
	"github.com/asyncgate/asyncgate/pkg/types"
)

// Engine is the task state machine. It composes storage and ledger
// operations inside single transactions so a task never moves without
// its receipt, and never keeps a receipt for a move that rolled back.
type Engine struct {
	store      storage.Store
	ledger     *ledger.Ledger
	cfg        *config.Config
	clock      Clock
	ids        IDGen
	instanceID string
	logger     zerolog.Logger

	// Rand is the jitter source, overridable in tests.
	Rand func() float64
}

// New builds an Engine. instanceID is the per-process identity that
// partitions sweep ownership.
func New(store storage.Store, cfg *config.Config, clock Clock, ids IDGen, instanceID string) *Engine {
	return &Engine{
		store:      store,
		ledger:     ledger.New(store, cfg.Limits, clock.Now, ids.NewID),
		cfg:        cfg,
		clock:      clock,
		ids:        ids,
		instanceID: instanceID,
		logger:     log.WithComponent("engine"),
		Rand:       rand.Float64,
	}
}

// Ledger exposes the engine's receipt ledger for read paths.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Config exposes the engine configuration (get_config system op).
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// InstanceID returns the fixed per-process instance id.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// validateLease loads the lease and its task, rejecting missing,
// expired, or foreign leases with ErrLeaseInvalidOrExpired. The task
// must still be leased or running.
func (e *Engine) validateLease(ctx context.Context, st storage.Store, tenantID, leaseID, workerID string) (*types.Lease, *types.Task, error) {
	lease, err := st.GetLease(ctx, tenantID, leaseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrLeaseInvalidOrExpired
		}
		return nil, nil, err
	}
	if lease.WorkerID != workerID {
		return nil, nil, ErrLeaseInvalidOrExpired
	}
	if !e.clock.Now().Before(lease.ExpiresAt) {
		return nil, nil, ErrLeaseInvalidOrExpired
	}

	task, err := st.GetTask(ctx, tenantID, lease.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrLeaseInvalidOrExpired
		}
		return nil, nil, err
	}
	if task.Status != types.TaskStatusLeased && task.Status != types.TaskStatusRunning {
		return nil, nil, ErrLeaseInvalidOrExpired
	}
	return lease, task, nil
}

// jitter returns a uniform duration in [0, max).
func (e *Engine) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(e.Rand() * float64(max))
}

// backoffFor computes the retry backoff for the given attempt from the
// task's own base: min(base * 2^(attempt-1), cap).
func (e *Engine) backoffFor(task *types.Task, attempt int) time.Duration {
	base := task.RetryBackoffSeconds
	if base <= 0 {
		base = e.cfg.Retry.BackoffBaseSeconds
	}
	r := config.RetryConfig{
		BackoffBaseSeconds: base,
		BackoffCapSeconds:  e.cfg.Retry.BackoffCapSeconds,
	}
	return r.Backoff(attempt)
}
