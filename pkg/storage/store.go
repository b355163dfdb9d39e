package storage

import (
	"context"
	"errors"
	"time"

	"github.com/asyncgate/asyncgate/pkg/types"
)

var (
	// ErrNotFound indicates the requested row does not exist under the
	// tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique-constraint violation other than
	// the idempotency and receipt-dedup paths, which are handled
	// in-place.
	ErrConflict = errors.New("conflict")
)

// TaskFilter selects tasks for ListTasks. The cursor is the created_at
// of the boundary row from the previous page.
type TaskFilter struct {
	Status    types.TaskStatus
	Type      string
	CreatedBy string
	Cursor    time.Time
	Limit     int
}

// ReceiptFilter selects receipts for ListReceipts. SinceID is an
// opaque receipt-id cursor; results start strictly after it.
type ReceiptFilter struct {
	ToKind  types.PrincipalKind
	ToID    string
	TaskID  string
	Types   []types.ReceiptType
	SinceID string
	Limit   int
}

// ClaimRequest carries one claim_tasks call into storage.
type ClaimRequest struct {
	TenantID     string
	WorkerID     string
	Capabilities []string
	AcceptTypes  []string
	MaxTasks     int
	TTL          time.Duration
	Now          time.Time
	NewLeaseID   func() string
}

// Store is the transactional persistence interface for tasks, leases,
// receipts, progress, and relationships. Implementations: Postgres
// (production) and Memory (tests, --dev mode).
//
// All mutations return the updated row. Times passed in are used
// verbatim so callers control the clock.
type Store interface {
	// InTx runs fn inside a transaction, committing on nil and rolling
	// back on error. Nested calls open savepoints: an inner rollback
	// leaves outer work intact.
	InTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error

	// CreateTask inserts the task. On an idempotency-key collision the
	// existing task is returned with created=false.
	CreateTask(ctx context.Context, task *types.Task) (t *types.Task, created bool, err error)
	GetTask(ctx context.Context, tenantID, taskID string) (*types.Task, error)
	ListTasks(ctx context.Context, tenantID string, f TaskFilter) ([]*types.Task, error)

	// UpdateTaskStatus sets the status and optionally result and
	// started_at. It does not enforce the transition table; the engine
	// does that before calling.
	UpdateTaskStatus(ctx context.Context, tenantID, taskID string, status types.TaskStatus,
		result map[string]any, startedAt *time.Time, now time.Time) (*types.Task, error)

	// RequeueWithBackoff is the fail-retry path: attempt++, status
	// queued, next_eligible_at = now + backoff.
	RequeueWithBackoff(ctx context.Context, tenantID, taskID string, backoff time.Duration, now time.Time) (*types.Task, error)

	// RequeueOnExpiry is the lost-authority path: status queued,
	// next_eligible_at = now + jitter, attempt unchanged, started_at
	// cleared.
	RequeueOnExpiry(ctx context.Context, tenantID, taskID string, jitter time.Duration, now time.Time) (*types.Task, error)

	// FailTerminal is the terminal-failure path: status failed, result
	// stored, and the attempt consumed (capped at max_attempts).
	FailTerminal(ctx context.Context, tenantID, taskID string, result map[string]any, now time.Time) (*types.Task, error)

	// ClaimTasks selects up to MaxTasks eligible queued tasks with
	// skip-locked semantics, filters by capability subset, then flips
	// each survivor to leased and inserts its lease, all in one
	// transaction. Ordering: priority desc, created_at asc.
	ClaimTasks(ctx context.Context, req ClaimRequest) ([]*types.Task, []*types.Lease, error)

	GetLease(ctx context.Context, tenantID, leaseID string) (*types.Lease, error)
	GetLeaseByTask(ctx context.Context, tenantID, taskID string) (*types.Lease, error)
	RenewLease(ctx context.Context, tenantID, leaseID string, expiresAt time.Time) (*types.Lease, error)
	ReleaseLease(ctx context.Context, tenantID, leaseID string) error

	// GetExpiredLeases returns leases past expiry whose task is owned
	// by the given instance. Sweep partitioning depends on this filter.
	GetExpiredLeases(ctx context.Context, instanceID string, now time.Time, limit int) ([]*types.Lease, error)

	UpsertProgress(ctx context.Context, p *types.Progress) (*types.Progress, error)
	GetProgress(ctx context.Context, tenantID, taskID string) (*types.Progress, error)

	// InsertReceipt appends a receipt. On a (tenant_id, hash) collision
	// the existing row is returned with inserted=false.
	InsertReceipt(ctx context.Context, r *types.Receipt) (rec *types.Receipt, inserted bool, err error)
	GetReceipt(ctx context.Context, tenantID, receiptID string) (*types.Receipt, error)
	ListReceipts(ctx context.Context, tenantID string, f ReceiptFilter) ([]*types.Receipt, error)

	// ReceiptsExist reports which of the given receipt ids exist under
	// the tenant, in one query.
	ReceiptsExist(ctx context.Context, tenantID string, ids []string) (map[string]bool, error)

	// ChildrenExist reports, for each parent id, whether any receipt of
	// one of childTypes cites it in parents. One containment query for
	// the whole batch; this is the open-obligations primitive.
	ChildrenExist(ctx context.Context, tenantID string, parentIDs []string, childTypes []types.ReceiptType) (map[string]bool, error)

	// GetChildren returns receipts of the given types citing parentID,
	// ordered by created_at asc.
	GetChildren(ctx context.Context, tenantID, parentID string, childTypes []types.ReceiptType) ([]*types.Receipt, error)

	// MarkDelivered stamps delivered_at on the given receipts.
	// Telemetry only; never affects hashes.
	MarkDelivered(ctx context.Context, tenantID string, receiptIDs []string, at time.Time) error

	// TouchRelationship upserts the first/last-seen row for a principal
	// and increments its session counter.
	TouchRelationship(ctx context.Context, tenantID string, kind types.PrincipalKind, id string, now time.Time) (*types.Relationship, error)

	Close()
}
