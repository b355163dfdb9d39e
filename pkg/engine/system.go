package engine

import (
	"context"
	"errors"
	"time"

	"github.com/asyncgate/asyncgate/pkg/ledger"
	"github.com/asyncgate/asyncgate/pkg/log"
	"github.com/asyncgate/asyncgate/pkg/metrics"
	"github.com/asyncgate/asyncgate/pkg/storage"
	"github.com/asyncgate/asyncgate/pkg/types"
)

// ExpireLeasesTick performs one sweep pass: find leases past expiry on
// tasks owned by this instance, requeue each task without consuming an
// attempt, and emit lease.expired. One bad lease is logged and skipped,
// never aborts the tick. Returns the number of leases swept.
func (e *Engine) ExpireLeasesTick(ctx context.Context) (int, error) {
	now := e.clock.Now()
	expired, err := e.store.GetExpiredLeases(ctx, e.instanceID, now, e.cfg.Sweep.FetchLimit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i, lease := range expired {
		if err := e.expireLease(ctx, lease); err != nil {
			metrics.SweepErrors.Inc()
			logger := log.WithLeaseID(lease.LeaseID)
			logger.Error().Err(err).
				Str("tenant_id", lease.TenantID).
				Str("task_id", lease.TaskID).
				Msg("sweep: failed to expire lease")
			continue
		}
		swept++

		// Micro-sleep between batches so a mass expiry does not pile
		// transactions onto the database.
		if (i+1)%e.cfg.Sweep.BatchSize == 0 && i+1 < len(expired) {
			e.microSleep(ctx)
		}
	}
	metrics.SweepExpiredLeases.Add(float64(swept))
	if swept > 0 {
		e.logger.Debug().Int("swept", swept).Msg("expired leases requeued")
	}
	return swept, nil
}

// expireLease requeues one expired lease's task in its own savepoint.
func (e *Engine) expireLease(ctx context.Context, lease *types.Lease) error {
	return e.store.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		task, err := st.GetTask(ctx, lease.TenantID, lease.TaskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Orphan lease; drop it and move on.
				return st.ReleaseLease(ctx, lease.TenantID, lease.LeaseID)
			}
			return err
		}
		if task.Status.Terminal() {
			return st.ReleaseLease(ctx, lease.TenantID, lease.LeaseID)
		}

		now := e.clock.Now()
		jitter := e.jitter(time.Duration(e.cfg.Sweep.RequeueJitterSecs) * time.Second)
		updated, err := st.RequeueOnExpiry(ctx, lease.TenantID, lease.TaskID, jitter, now)
		if err != nil {
			return err
		}
		if err := st.ReleaseLease(ctx, lease.TenantID, lease.LeaseID); err != nil {
			return err
		}

		led := e.ledger.WithStore(st)
		assigned, err := led.AssignedReceipt(ctx, lease.TenantID, lease.TaskID)
		if err != nil {
			return err
		}
		if _, err := led.Emit(ctx, ledger.EmitParams{
			TenantID: lease.TenantID,
			Type:     types.ReceiptLeaseExpired,
			From:     types.ServicePrincipal(),
			To:       assigned.To,
			TaskID:   lease.TaskID,
			LeaseID:  lease.LeaseID,
			Parents:  []string{assigned.ReceiptID},
			Body: map[string]any{
				"task_id":            lease.TaskID,
				"previous_worker_id": lease.WorkerID,
				"attempt":            updated.Attempt,
				"requeued":           true,
			},
		}); err != nil {
			return err
		}
		metrics.TasksRequeued.WithLabelValues("expiry").Inc()

		return e.maybeEscalate(ctx, st, updated, assigned)
	})
}

// maybeEscalate emits task.escalated when the task requested an
// escalation class that config routes somewhere. Escalation is policy,
// not state: it never discharges obligations.
func (e *Engine) maybeEscalate(ctx context.Context, st storage.Store, task *types.Task, assigned *types.Receipt) error {
	class := task.EscalationClass()
	if class == "" {
		return nil
	}
	target, ok := e.cfg.EscalationTargets[class]
	if !ok {
		return nil
	}

	to := types.Principal{Kind: types.PrincipalKindAgent, ID: target}
	if types.IsInternalID(target) {
		to.Kind = types.PrincipalKindService
	}
	_, err := e.ledger.WithStore(st).Emit(ctx, ledger.EmitParams{
		TenantID: task.TenantID,
		Type:     types.ReceiptTaskEscalated,
		From:     types.ServicePrincipal(),
		To:       to,
		TaskID:   task.TaskID,
		Parents:  []string{assigned.ReceiptID},
		Body: map[string]any{
			"escalation_class":       class,
			"escalation_reason":      "lease_expired",
			"escalation_to":          target,
			"expected_outcome_kind":  task.ExpectedOutcomeKind,
			"expected_artifact_mime": task.ExpectedArtifactMime,
		},
	})
	return err
}

func (e *Engine) microSleep(ctx context.Context) {
	min := time.Duration(e.cfg.Sweep.MicroSleepMinMS) * time.Millisecond
	max := time.Duration(e.cfg.Sweep.MicroSleepMaxMS) * time.Millisecond
	d := min + e.jitter(max-min)
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// GetConfig returns the non-secret configuration snapshot.
func (e *Engine) GetConfig() map[string]any {
	snap := e.cfg.Snapshot()
	snap["instance_id"] = e.instanceID
	return snap
}

// GetMetricsSnapshot flattens the metrics registry.
func (e *Engine) GetMetricsSnapshot() (map[string]float64, error) {
	return metrics.Snapshot()
}
