package types

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusLeased    TaskStatus = "leased"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCanceled:
		return true
	}
	return false
}

// validTransitions is the task state machine. Absence means the
// transition is rejected as invalid.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:  {TaskStatusLeased, TaskStatusCanceled},
	TaskStatusLeased:  {TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed, TaskStatusQueued, TaskStatusCanceled},
	TaskStatusRunning: {TaskStatusSucceeded, TaskStatusFailed, TaskStatusQueued, TaskStatusCanceled},
}

// CanTransition reports whether from → to is a legal task transition.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PrincipalKind identifies the class of an actor. Closed set.
type PrincipalKind string

const (
	PrincipalKindAgent   PrincipalKind = "agent"
	PrincipalKindWorker  PrincipalKind = "worker"
	PrincipalKindService PrincipalKind = "service"
	PrincipalKindSystem  PrincipalKind = "system"
	PrincipalKindHuman   PrincipalKind = "human"
)

// Principal is an actor pair (kind, id)
type Principal struct {
	Kind PrincipalKind `json:"kind"`
	ID   string        `json:"id"`
}

// Task is a single unit of dispatchable work. Identity is
// (TenantID, TaskID); every query is tenant-scoped.
type Task struct {
	TenantID string     `json:"tenant_id"`
	TaskID   string     `json:"task_id"`
	Type     string     `json:"type"`
	Status   TaskStatus `json:"status"`
	Priority int        `json:"priority"`

	// Attempt counts fail-retries only. Lease expiry requeues the task
	// without touching it.
	Attempt             int `json:"attempt"`
	MaxAttempts         int `json:"max_attempts"`
	RetryBackoffSeconds int `json:"retry_backoff_seconds"`

	Payload        map[string]any `json:"payload,omitempty"`
	PayloadPointer string         `json:"payload_pointer,omitempty"`
	Requirements   map[string]any `json:"requirements,omitempty"`

	CreatedBy   Principal `json:"created_by"`
	PrincipalAI string    `json:"principal_ai"`

	IdempotencyKey       string `json:"idempotency_key,omitempty"`
	ExpectedOutcomeKind  string `json:"expected_outcome_kind,omitempty"`
	ExpectedArtifactMime string `json:"expected_artifact_mime,omitempty"`

	// OwningInstance is the instance id of the process that created the
	// task. Only that process's sweeper expires its leases.
	OwningInstance string `json:"owning_instance"`

	NextEligibleAt time.Time      `json:"next_eligible_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Capabilities extracts the capability list from the task's
// requirements, if any. A worker must cover all of them to claim.
func (t *Task) Capabilities() []string {
	if t.Requirements == nil {
		return nil
	}
	raw, ok := t.Requirements["capabilities"]
	if !ok {
		return nil
	}
	var caps []string
	switch v := raw.(type) {
	case []string:
		caps = v
	case []any:
		for _, c := range v {
			if s, ok := c.(string); ok {
				caps = append(caps, s)
			}
		}
	}
	return caps
}

// EscalationClass returns the escalation class requested by the task's
// requirements, or "" when the task does not ask for escalation.
func (t *Task) EscalationClass() string {
	if t.Requirements == nil {
		return ""
	}
	if s, ok := t.Requirements["escalation_class"].(string); ok {
		return s
	}
	return ""
}

// Lease is an exclusive, time-bounded claim on a task. At most one row
// exists per (TenantID, TaskID).
type Lease struct {
	LeaseID  string `json:"lease_id"`
	TenantID string `json:"tenant_id"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`

	// AcquiredAt is fixed at first claim and never changes; renewals
	// advance ExpiresAt only.
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RenewalCount int       `json:"renewal_count"`
}

// ReceiptType names a ledger entry type. Closed set.
type ReceiptType string

const (
	ReceiptTaskAssigned       ReceiptType = "task.assigned"
	ReceiptTaskAccepted       ReceiptType = "task.accepted"
	ReceiptTaskStarted        ReceiptType = "task.started"
	ReceiptTaskProgress       ReceiptType = "task.progress"
	ReceiptTaskCompleted      ReceiptType = "task.completed"
	ReceiptTaskFailed         ReceiptType = "task.failed"
	ReceiptTaskCanceled       ReceiptType = "task.canceled"
	ReceiptTaskRetryScheduled ReceiptType = "task.retry_scheduled"
	ReceiptTaskResultReady    ReceiptType = "task.result_ready"
	ReceiptTaskEscalated      ReceiptType = "task.escalated"
	ReceiptLeaseExpired       ReceiptType = "lease.expired"
	ReceiptAcknowledged       ReceiptType = "receipt.acknowledged"
	ReceiptSystemAnomaly      ReceiptType = "system.anomaly"
)

// ReceiptSchemaVersion is stamped on every receipt on the wire.
const ReceiptSchemaVersion = "1"

// Receipt is an immutable, append-only ledger entry. (TenantID, Hash)
// is unique; emitting a bit-identical receipt returns the existing row.
type Receipt struct {
	SchemaVersion string      `json:"schema_version"`
	TenantID      string      `json:"tenant_id"`
	ReceiptID     string      `json:"receipt_id"`
	ReceiptType   ReceiptType `json:"receipt_type"`

	From Principal `json:"from"`
	To   Principal `json:"to"`

	TaskID     string `json:"task_id,omitempty"`
	LeaseID    string `json:"lease_id,omitempty"`
	ScheduleID string `json:"schedule_id,omitempty"`

	// Parents holds receipt ids this receipt cites. Terminators must
	// cite the obligation they discharge.
	Parents []string       `json:"parents"`
	Body    map[string]any `json:"body"`
	Hash    string         `json:"hash"`

	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Progress is the last-writer-wins progress row for a task. Orthogonal
// to the state machine; written only under a valid lease.
type Progress struct {
	TenantID  string         `json:"tenant_id"`
	TaskID    string         `json:"task_id"`
	WorkerID  string         `json:"worker_id"`
	Percent   int            `json:"percent"`
	Note      string         `json:"note,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Relationship records first/last contact with a principal. Pure
// observation, never gates behaviour.
type Relationship struct {
	TenantID      string        `json:"tenant_id"`
	PrincipalKind PrincipalKind `json:"principal_kind"`
	PrincipalID   string        `json:"principal_id"`
	FirstSeenAt   time.Time     `json:"first_seen_at"`
	LastSeenAt    time.Time     `json:"last_seen_at"`
	SessionCount  int           `json:"session_count"`
}

// LeaseGrant is what a successful claim returns to a worker: the lease
// plus everything needed to run the task without another read.
type LeaseGrant struct {
	TaskID               string         `json:"task_id"`
	LeaseID              string         `json:"lease_id"`
	Type                 string         `json:"type"`
	Payload              map[string]any `json:"payload,omitempty"`
	PayloadPointer       string         `json:"payload_pointer,omitempty"`
	PrincipalAI          string         `json:"principal_ai"`
	Attempt              int            `json:"attempt"`
	ExpiresAt            time.Time      `json:"expires_at"`
	Requirements         map[string]any `json:"requirements,omitempty"`
	ExpectedOutcomeKind  string         `json:"expected_outcome_kind,omitempty"`
	ExpectedArtifactMime string         `json:"expected_artifact_mime,omitempty"`
}
