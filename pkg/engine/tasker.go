package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/pkg/ledger"
	"github.com/asyncgate/asyncgate/pkg/log"
	"github.com/asyncgate/asyncgate/pkg/metrics"
	"github.com/asyncgate/asyncgate/pkg/storage"
	"github.com/asyncgate/asyncgate/pkg/types"
)

// CreateTaskParams carries one create_task call.
type CreateTaskParams struct {
	TenantID       string
	Type           string
	Payload        map[string]any
	PayloadPointer string
	CreatedBy      types.Principal
	PrincipalAI    string
	Requirements   map[string]any
	Priority       int
	IdempotencyKey string

	// Zero values fall back to the configured defaults.
	MaxAttempts         int
	RetryBackoffSeconds int
	DelaySeconds        int

	ExpectedOutcomeKind  string
	ExpectedArtifactMime string
}

// CreateTask inserts a queued task and emits its task.assigned receipt
// in one transaction. An idempotency-key collision returns the existing
// task without a second receipt.
func (e *Engine) CreateTask(ctx context.Context, caller Caller, p CreateTaskParams) (*types.Task, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrValidation)
	}
	if p.PrincipalAI == "" {
		return nil, fmt.Errorf("%w: principal_ai is required", ErrValidation)
	}
	if p.CreatedBy.ID == "" {
		return nil, fmt.Errorf("%w: created_by is required", ErrValidation)
	}
	if types.IsInternalID(p.CreatedBy.ID) && !caller.IsInternal {
		return nil, fmt.Errorf("%w: reserved principal prefix", ErrUnauthorized)
	}

	now := e.clock.Now()
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.Retry.DefaultMaxAttempts
	}
	backoff := p.RetryBackoffSeconds
	if backoff <= 0 {
		backoff = e.cfg.Retry.BackoffBaseSeconds
	}

	task := &types.Task{
		TenantID:             p.TenantID,
		TaskID:               e.ids.NewID(),
		Type:                 p.Type,
		Status:               types.TaskStatusQueued,
		Priority:             p.Priority,
		MaxAttempts:          maxAttempts,
		RetryBackoffSeconds:  backoff,
		Payload:              p.Payload,
		PayloadPointer:       p.PayloadPointer,
		Requirements:         p.Requirements,
		CreatedBy:            p.CreatedBy,
		PrincipalAI:          p.PrincipalAI,
		IdempotencyKey:       p.IdempotencyKey,
		ExpectedOutcomeKind:  p.ExpectedOutcomeKind,
		ExpectedArtifactMime: p.ExpectedArtifactMime,
		OwningInstance:       e.instanceID,
		NextEligibleAt:       now.Add(time.Duration(p.DelaySeconds) * time.Second),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	var (
		out        *types.Task
		createdNew bool
	)
	err := e.store.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		stored, created, err := st.CreateTask(ctx, task)
		if err != nil {
			return err
		}
		out = stored
		createdNew = created
		if !created {
			// Idempotent replay; the original task.assigned stands.
			return nil
		}

		owner := types.ResolveOwner(p.CreatedBy)
		_, err = e.ledger.WithStore(st).Emit(ctx, ledger.EmitParams{
			TenantID: p.TenantID,
			Type:     types.ReceiptTaskAssigned,
			From:     types.ServicePrincipal(),
			To:       owner,
			TaskID:   stored.TaskID,
			Body:     assignedBody(stored),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.TasksCreated.WithLabelValues(p.Type).Inc()
	if createdNew {
		logger := log.WithTenant(p.TenantID)
		logger.Info().
			Str("task_id", out.TaskID).
			Str("type", p.Type).
			Msg("task created")
	}
	return out, nil
}

// assignedBody builds the task.assigned receipt body from the task.
func assignedBody(task *types.Task) map[string]any {
	body := map[string]any{
		"task_type": task.Type,
	}
	if task.Payload != nil {
		if v, ok := task.Payload["instructions"]; ok {
			body["instructions"] = v
		}
		if v, ok := task.Payload["success_criteria"]; ok {
			body["success_criteria"] = v
		}
		if v, ok := task.Payload["result_delivery"]; ok {
			body["result_delivery"] = v
		}
	}
	if task.Requirements != nil {
		body["requirements"] = task.Requirements
	}
	if task.ExpectedOutcomeKind != "" {
		body["expected_outcome_kind"] = task.ExpectedOutcomeKind
	}
	if task.ExpectedArtifactMime != "" {
		body["expected_artifact_mime"] = task.ExpectedArtifactMime
	}
	return body
}

// TaskView is a task plus its progress row when one exists.
type TaskView struct {
	Task     *types.Task
	Progress *types.Progress
}

// GetTask returns the task and, when present, its latest progress.
func (e *Engine) GetTask(ctx context.Context, tenantID, taskID string) (*TaskView, error) {
	task, err := e.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	view := &TaskView{Task: task}
	progress, err := e.store.GetProgress(ctx, tenantID, taskID)
	if err == nil {
		view.Progress = progress
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return view, nil
}

// ListTasks pages tasks by creation time.
func (e *Engine) ListTasks(ctx context.Context, tenantID string, f storage.TaskFilter) ([]*types.Task, error) {
	f.Limit = e.cfg.Page.Clamp(f.Limit)
	return e.store.ListTasks(ctx, tenantID, f)
}

// CancelTask cancels a non-terminal task. Only the obligation owner may
// cancel, unless the caller is internal; system-owned tasks always
// require internal auth. A terminal task is returned unchanged with no
// new receipts.
func (e *Engine) CancelTask(ctx context.Context, caller Caller, tenantID, taskID, reason string) (*types.Task, error) {
	now := e.clock.Now()
	var (
		out      *types.Task
		canceled bool
	)
	err := e.store.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		task, err := st.GetTask(ctx, tenantID, taskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrTaskNotFound
			}
			return err
		}

		led := e.ledger.WithStore(st)
		assigned, err := led.AssignedReceipt(ctx, tenantID, taskID)
		if err != nil {
			return err
		}
		owner := assigned.To

		if !caller.IsInternal {
			if owner.Kind == types.PrincipalKindSystem {
				return ErrUnauthorized
			}
			if types.NormalizeID(caller.Principal.ID) != owner.ID {
				return ErrUnauthorized
			}
		}

		if task.Status.Terminal() {
			out = task
			return nil
		}

		return st.InTx(ctx, func(ctx context.Context, sp storage.Store) error {
			if lease, err := sp.GetLeaseByTask(ctx, tenantID, taskID); err == nil {
				if err := sp.ReleaseLease(ctx, tenantID, lease.LeaseID); err != nil {
					return err
				}
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}

			result := map[string]any{"canceled_reason": reason, "canceled_at": now.Format(time.RFC3339Nano)}
			updated, err := sp.UpdateTaskStatus(ctx, tenantID, taskID, types.TaskStatusCanceled, result, nil, now)
			if err != nil {
				return err
			}
			out = updated
			canceled = true

			spLedger := e.ledger.WithStore(sp)
			if _, err := spLedger.Emit(ctx, ledger.EmitParams{
				TenantID: tenantID,
				Type:     types.ReceiptTaskCanceled,
				From:     caller.Principal,
				To:       owner,
				TaskID:   taskID,
				Parents:  []string{assigned.ReceiptID},
				Body:     map[string]any{"reason": reason},
			}); err != nil {
				return err
			}
			_, err = spLedger.Emit(ctx, ledger.EmitParams{
				TenantID: tenantID,
				Type:     types.ReceiptTaskResultReady,
				From:     types.ServicePrincipal(),
				To:       owner,
				TaskID:   taskID,
				Parents:  []string{assigned.ReceiptID},
				Body:     map[string]any{"status": string(types.TaskStatusCanceled)},
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if canceled {
		metrics.TasksTerminal.WithLabelValues(string(types.TaskStatusCanceled)).Inc()
	}
	return out, nil
}

// ListReceipts pages receipts addressed to a principal and stamps
// delivered_at on the returned page. Delivery marking is telemetry
// only and never affects hashes.
func (e *Engine) ListReceipts(ctx context.Context, tenantID string, to types.Principal, sinceID string, limit int) ([]*types.Receipt, error) {
	receipts, err := e.store.ListReceipts(ctx, tenantID, storage.ReceiptFilter{
		ToKind:  to.Kind,
		ToID:    to.ID,
		SinceID: sinceID,
		Limit:   e.cfg.Page.Clamp(limit),
	})
	if err != nil {
		return nil, err
	}
	if len(receipts) > 0 {
		ids := make([]string, len(receipts))
		for i, r := range receipts {
			ids[i] = r.ReceiptID
		}
		if err := e.store.MarkDelivered(ctx, tenantID, ids, e.clock.Now()); err != nil {
			return nil, err
		}
	}
	return receipts, nil
}

// AckReceipt records an acknowledgement of a receipt. Acks are events,
// not flags: the body carries the ack time, so repeated acks of the
// same receipt produce distinct ledger entries. Acks never discharge
// obligations.
func (e *Engine) AckReceipt(ctx context.Context, caller Caller, tenantID, receiptID string) (*types.Receipt, error) {
	if _, err := e.store.GetReceipt(ctx, tenantID, receiptID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: receipt %s", ErrValidation, receiptID)
		}
		return nil, err
	}
	return e.ledger.Emit(ctx, ledger.EmitParams{
		TenantID: tenantID,
		Type:     types.ReceiptAcknowledged,
		From:     caller.Principal,
		To:       types.ServicePrincipal(),
		Parents:  []string{receiptID},
		Body: map[string]any{
			"acked_receipt_id": receiptID,
			"acked_at":         e.clock.Now().Format(time.RFC3339Nano),
		},
	})
}

// ListOpenObligations is the bootstrap primitive: obligations addressed
// to the principal with no terminator.
func (e *Engine) ListOpenObligations(ctx context.Context, tenantID string, to types.Principal, sinceID string, limit int) (*ledger.OpenObligationsPage, error) {
	return e.ledger.ListOpenObligations(ctx, tenantID, to, sinceID, e.cfg.Page.Clamp(limit))
}

// BootstrapResult is the deprecated bootstrap payload. Buckets are
// always empty; ListOpenObligations is the sole source of truth for
// outstanding work.
type BootstrapResult struct {
	Principal    types.Principal       `json:"principal"`
	Relationship *types.Relationship   `json:"relationship"`
	Receipts     []*types.Receipt      `json:"receipts"`
	Buckets      map[string][]struct{} `json:"buckets"`
}

// Bootstrap retains the legacy bootstrap surface: relationship upsert,
// inbox receipt listing with delivery marking, and empty attention
// buckets.
func (e *Engine) Bootstrap(ctx context.Context, tenantID string, principal types.Principal, limit int) (*BootstrapResult, error) {
	rel, err := e.store.TouchRelationship(ctx, tenantID, principal.Kind, principal.ID, e.clock.Now())
	if err != nil {
		return nil, err
	}
	receipts, err := e.ListReceipts(ctx, tenantID, principal, "", limit)
	if err != nil {
		return nil, err
	}
	return &BootstrapResult{
		Principal:    principal,
		Relationship: rel,
		Receipts:     receipts,
		Buckets: map[string][]struct{}{
			"urgent":  {},
			"waiting": {},
			"fyi":     {},
		},
	}, nil
}
