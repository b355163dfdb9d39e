package engine

import (
	"context"
	"time"

	"github.com/asyncgate/asyncgate/pkg/ledger"
	"github.com/asyncgate/asyncgate/pkg/metrics"
	"github.com/asyncgate/asyncgate/pkg/storage"
	"github.com/asyncgate/asyncgate/pkg/types"
)

// ClaimParams carries one claim_tasks call.
type ClaimParams struct {
	TenantID     string
	WorkerID     string
	Capabilities []string
	AcceptTypes  []string
	MaxTasks     int
	LeaseTTL     time.Duration // zero means the configured default
}

// ClaimTasks leases up to MaxTasks eligible tasks to the worker and
// emits a task.accepted receipt per lease, citing each task's
// task.assigned receipt. Claiming zero tasks is a valid empty result,
// never an error.
func (e *Engine) ClaimTasks(ctx context.Context, p ClaimParams) ([]types.LeaseGrant, error) {
	if p.MaxTasks <= 0 {
		return nil, nil
	}
	if p.MaxTasks > e.cfg.Limits.ClaimMax {
		p.MaxTasks = e.cfg.Limits.ClaimMax
	}
	ttl := p.LeaseTTL
	if ttl <= 0 {
		ttl = e.cfg.Lease.DefaultTTL()
	}
	if ttl > e.cfg.Lease.MaxTTL() {
		ttl = e.cfg.Lease.MaxTTL()
	}

	var grants []types.LeaseGrant
	err := e.store.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		tasks, leases, err := st.ClaimTasks(ctx, storage.ClaimRequest{
			TenantID:     p.TenantID,
			WorkerID:     p.WorkerID,
			Capabilities: p.Capabilities,
			AcceptTypes:  p.AcceptTypes,
			MaxTasks:     p.MaxTasks,
			TTL:          ttl,
			Now:          e.clock.Now(),
			NewLeaseID:   e.ids.NewID,
		})
		if err != nil {
			return err
		}

		led := e.ledger.WithStore(st)
		worker := types.Principal{Kind: types.PrincipalKindWorker, ID: p.WorkerID}
		for i, task := range tasks {
			lease := leases[i]

			assigned, err := led.AssignedReceipt(ctx, p.TenantID, task.TaskID)
			if err != nil {
				return err
			}
			if _, err := led.Emit(ctx, ledger.EmitParams{
				TenantID: p.TenantID,
				Type:     types.ReceiptTaskAccepted,
				From:     worker,
				To:       assigned.To,
				TaskID:   task.TaskID,
				LeaseID:  lease.LeaseID,
				Parents:  []string{assigned.ReceiptID},
				Body: map[string]any{
					"attempt":    task.Attempt,
					"expires_at": lease.ExpiresAt.Format(time.RFC3339Nano),
				},
			}); err != nil {
				return err
			}

			grants = append(grants, types.LeaseGrant{
				TaskID:               task.TaskID,
				LeaseID:              lease.LeaseID,
				Type:                 task.Type,
				Payload:              task.Payload,
				PayloadPointer:       task.PayloadPointer,
				PrincipalAI:          task.PrincipalAI,
				Attempt:              task.Attempt,
				ExpiresAt:            lease.ExpiresAt,
				Requirements:         task.Requirements,
				ExpectedOutcomeKind:  task.ExpectedOutcomeKind,
				ExpectedArtifactMime: task.ExpectedArtifactMime,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.TasksClaimed.Add(float64(len(grants)))
	return grants, nil
}

// RenewLease extends a valid lease. Renewal fails with a distinguished
// kind once the renewal budget or the wall-clock lifetime cap from
// acquired_at is spent, so the caller knows the lease is poisoned
// rather than merely contended.
func (e *Engine) RenewLease(ctx context.Context, tenantID, leaseID, workerID string, ttl time.Duration) (*types.Lease, error) {
	lease, _, err := e.validateLease(ctx, e.store, tenantID, leaseID, workerID)
	if err != nil {
		return nil, err
	}

	if lease.RenewalCount >= e.cfg.Lease.MaxRenewals {
		metrics.LeaseRenewalRejections.WithLabelValues("renewal_limit").Inc()
		return nil, &LeaseRenewalLimitError{RenewalCount: lease.RenewalCount, Max: e.cfg.Lease.MaxRenewals}
	}
	now := e.clock.Now()
	if lifetime := now.Sub(lease.AcquiredAt); lifetime >= e.cfg.Lease.MaxLifetime() {
		metrics.LeaseRenewalRejections.WithLabelValues("lifetime").Inc()
		return nil, &LeaseLifetimeError{Lifetime: lifetime, Max: e.cfg.Lease.MaxLifetime()}
	}

	if ttl <= 0 {
		ttl = e.cfg.Lease.DefaultTTL()
	}
	if ttl > e.cfg.Lease.MaxTTL() {
		ttl = e.cfg.Lease.MaxTTL()
	}
	renewed, err := e.store.RenewLease(ctx, tenantID, leaseID, now.Add(ttl))
	if err != nil {
		return nil, err
	}
	metrics.LeaseRenewals.Inc()
	return renewed, nil
}

// StartTask transitions a leased task to running and emits
// task.started. Idempotent: a task already running keeps its first
// started_at and gains no second receipt (hash dedup).
func (e *Engine) StartTask(ctx context.Context, tenantID, leaseID, workerID string) (*types.Task, error) {
	var out *types.Task
	err := e.store.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		lease, task, err := e.validateLease(ctx, st, tenantID, leaseID, workerID)
		if err != nil {
			return err
		}
		out = task
		if task.Status != types.TaskStatusLeased {
			return nil
		}
		updated, err := e.startLeasedTask(ctx, st, lease, task)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// startLeasedTask performs the leased → running transition and its
// task.started receipt. Must run inside a transaction.
func (e *Engine) startLeasedTask(ctx context.Context, st storage.Store, lease *types.Lease, task *types.Task) (*types.Task, error) {
	now := e.clock.Now()
	started := now
	updated, err := st.UpdateTaskStatus(ctx, task.TenantID, task.TaskID, types.TaskStatusRunning, nil, &started, now)
	if err != nil {
		return nil, err
	}

	led := e.ledger.WithStore(st)
	assigned, err := led.AssignedReceipt(ctx, task.TenantID, task.TaskID)
	if err != nil {
		return nil, err
	}
	worker := types.Principal{Kind: types.PrincipalKindWorker, ID: lease.WorkerID}
	_, err = led.Emit(ctx, ledger.EmitParams{
		TenantID: task.TenantID,
		Type:     types.ReceiptTaskStarted,
		From:     worker,
		To:       assigned.To,
		TaskID:   task.TaskID,
		LeaseID:  lease.LeaseID,
		Parents:  []string{assigned.ReceiptID},
		Body:     map[string]any{"attempt": task.Attempt},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ProgressParams carries one report_progress call.
type ProgressParams struct {
	TenantID string
	LeaseID  string
	WorkerID string
	Percent  int
	Note     string
	Detail   map[string]any
}

// ReportProgress upserts the task's progress row and emits
// task.progress. A first progress report on a leased task also starts
// it.
func (e *Engine) ReportProgress(ctx context.Context, p ProgressParams) (*types.Progress, error) {
	var out *types.Progress
	err := e.store.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		lease, task, err := e.validateLease(ctx, st, p.TenantID, p.LeaseID, p.WorkerID)
		if err != nil {
			return err
		}
		if task.Status == types.TaskStatusLeased {
			if _, err := e.startLeasedTask(ctx, st, lease, task); err != nil {
				return err
			}
		}

		now := e.clock.Now()
		progress, err := st.UpsertProgress(ctx, &types.Progress{
			TenantID:  p.TenantID,
			TaskID:    task.TaskID,
			WorkerID:  p.WorkerID,
			Percent:   p.Percent,
			Note:      p.Note,
			Detail:    p.Detail,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		out = progress

		led := e.ledger.WithStore(st)
		assigned, err := led.AssignedReceipt(ctx, p.TenantID, task.TaskID)
		if err != nil {
			return err
		}
		body := map[string]any{"percent": p.Percent}
		if p.Note != "" {
			body["note"] = p.Note
		}
		_, err = led.Emit(ctx, ledger.EmitParams{
			TenantID: p.TenantID,
			Type:     types.ReceiptTaskProgress,
			From:     types.Principal{Kind: types.PrincipalKindWorker, ID: p.WorkerID},
			To:       assigned.To,
			TaskID:   task.TaskID,
			LeaseID:  p.LeaseID,
			Parents:  []string{assigned.ReceiptID},
			Body:     body,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteParams carries one complete call.
type CompleteParams struct {
	TenantID      string
	LeaseID       string
	WorkerID      string
	ResultSummary string
	ResultPayload map[string]any
	Artifacts     []any
	DeliveryProof map[string]any
	Metadata      map[string]any
}

// Complete moves the task to succeeded, releases the lease, and emits
// task.completed plus task.result_ready inside one savepoint: either
// the task is succeeded with its terminator in the ledger, or nothing
// happened.
func (e *Engine) Complete(ctx context.Context, p CompleteParams) (*types.Task, error) {
	var out *types.Task
	err := e.store.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		lease, task, err := e.validateLease(ctx, st, p.TenantID, p.LeaseID, p.WorkerID)
		if err != nil {
			return err
		}
		if !types.CanTransition(task.Status, types.TaskStatusSucceeded) {
			return &InvalidStateTransitionError{Current: task.Status, Requested: types.TaskStatusSucceeded}
		}

		return st.InTx(ctx, func(ctx context.Context, sp storage.Store) error {
			now := e.clock.Now()
			result := map[string]any{
				"outcome":      "succeeded",
				"completed_at": now.Format(time.RFC3339Nano),
			}
			if p.ResultPayload != nil {
				result["result"] = p.ResultPayload
			}
			if len(p.Artifacts) > 0 {
				result["artifacts"] = p.Artifacts
			}
			updated, err := sp.UpdateTaskStatus(ctx, p.TenantID, task.TaskID, types.TaskStatusSucceeded, result, nil, now)
			if err != nil {
				return err
			}
			out = updated

			if err := sp.ReleaseLease(ctx, p.TenantID, lease.LeaseID); err != nil {
				return err
			}

			led := e.ledger.WithStore(sp)
			assigned, err := led.AssignedReceipt(ctx, p.TenantID, task.TaskID)
			if err != nil {
				return err
			}
			owner := assigned.To

			body := map[string]any{"result_summary": p.ResultSummary}
			if p.ResultPayload != nil {
				body["result_payload"] = p.ResultPayload
			}
			if len(p.Artifacts) > 0 {
				body["artifacts"] = p.Artifacts
			}
			if p.DeliveryProof != nil {
				body["delivery_proof"] = p.DeliveryProof
			}
			if p.Metadata != nil {
				body["completion_metadata"] = p.Metadata
			}
			worker := types.Principal{Kind: types.PrincipalKindWorker, ID: p.WorkerID}
			if _, err := led.Emit(ctx, ledger.EmitParams{
				TenantID: p.TenantID,
				Type:     types.ReceiptTaskCompleted,
				From:     worker,
				To:       owner,
				TaskID:   task.TaskID,
				LeaseID:  lease.LeaseID,
				Parents:  []string{assigned.ReceiptID},
				Body:     body,
			}); err != nil {
				return err
			}

			ready := map[string]any{"status": string(types.TaskStatusSucceeded)}
			if p.ResultPayload != nil {
				ready["result_payload"] = p.ResultPayload
			}
			if len(p.Artifacts) > 0 {
				ready["artifacts"] = p.Artifacts
			}
			_, err = led.Emit(ctx, ledger.EmitParams{
				TenantID: p.TenantID,
				Type:     types.ReceiptTaskResultReady,
				From:     types.ServicePrincipal(),
				To:       owner,
				TaskID:   task.TaskID,
				Parents:  []string{assigned.ReceiptID},
				Body:     ready,
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.TasksTerminal.WithLabelValues(string(types.TaskStatusSucceeded)).Inc()
	return out, nil
}

// FailParams carries one fail call.
type FailParams struct {
	TenantID  string
	LeaseID   string
	WorkerID  string
	Error     map[string]any
	Retryable bool
}

// FailResult reports the outcome of a fail call.
type FailResult struct {
	Task           *types.Task
	Requeued       bool
	NextEligibleAt time.Time
}

// Fail records a worker failure. Retryable failures with budget left
// requeue the task with exponential backoff; otherwise the task fails
// terminally. Both paths consume an attempt. Decided before the
// savepoint so a rollback cannot flip the path.
func (e *Engine) Fail(ctx context.Context, p FailParams) (*FailResult, error) {
	res := &FailResult{}
	err := e.store.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		lease, task, err := e.validateLease(ctx, st, p.TenantID, p.LeaseID, p.WorkerID)
		if err != nil {
			return err
		}
		requeue := p.Retryable && task.Attempt+1 < task.MaxAttempts

		return st.InTx(ctx, func(ctx context.Context, sp storage.Store) error {
			now := e.clock.Now()
			if err := sp.ReleaseLease(ctx, p.TenantID, lease.LeaseID); err != nil {
				return err
			}

			led := e.ledger.WithStore(sp)
			assigned, err := led.AssignedReceipt(ctx, p.TenantID, task.TaskID)
			if err != nil {
				return err
			}
			owner := assigned.To
			worker := types.Principal{Kind: types.PrincipalKindWorker, ID: p.WorkerID}

			if requeue {
				backoff := e.backoffFor(task, task.Attempt+1)
				updated, err := sp.RequeueWithBackoff(ctx, p.TenantID, task.TaskID, backoff, now)
				if err != nil {
					return err
				}
				res.Task = updated
				res.Requeued = true
				res.NextEligibleAt = updated.NextEligibleAt

				_, err = led.Emit(ctx, ledger.EmitParams{
					TenantID: p.TenantID,
					Type:     types.ReceiptTaskRetryScheduled,
					From:     worker,
					To:       owner,
					TaskID:   task.TaskID,
					LeaseID:  lease.LeaseID,
					Parents:  []string{assigned.ReceiptID},
					Body: map[string]any{
						"error":            p.Error,
						"attempt":          updated.Attempt,
						"next_eligible_at": updated.NextEligibleAt.Format(time.RFC3339Nano),
					},
				})
				if err != nil {
					return err
				}
				metrics.TasksRequeued.WithLabelValues("retry").Inc()
				return nil
			}

			result := map[string]any{"error": p.Error}
			updated, err := sp.FailTerminal(ctx, p.TenantID, task.TaskID, result, now)
			if err != nil {
				return err
			}
			res.Task = updated

			if _, err := led.Emit(ctx, ledger.EmitParams{
				TenantID: p.TenantID,
				Type:     types.ReceiptTaskFailed,
				From:     worker,
				To:       owner,
				TaskID:   task.TaskID,
				LeaseID:  lease.LeaseID,
				Parents:  []string{assigned.ReceiptID},
				Body: map[string]any{
					"error":             p.Error,
					"retry_recommended": p.Retryable,
				},
			}); err != nil {
				return err
			}
			_, err = led.Emit(ctx, ledger.EmitParams{
				TenantID: p.TenantID,
				Type:     types.ReceiptTaskResultReady,
				From:     types.ServicePrincipal(),
				To:       owner,
				TaskID:   task.TaskID,
				Parents:  []string{assigned.ReceiptID},
				Body: map[string]any{
					"status": string(types.TaskStatusFailed),
					"error":  p.Error,
				},
			})
			if err != nil {
				return err
			}
			metrics.TasksTerminal.WithLabelValues(string(types.TaskStatusFailed)).Inc()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
