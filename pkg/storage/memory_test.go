package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncgate/asyncgate/pkg/types"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTask(id string, prio int, created time.Time) *types.Task {
	return &types.Task{
		TenantID:       "t1",
		TaskID:         id,
		Type:           "t.demo",
		Status:         types.TaskStatusQueued,
		Priority:       prio,
		MaxAttempts:    2,
		CreatedBy:      types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"},
		PrincipalAI:    "a1",
		OwningInstance: "inst-a",
		NextEligibleAt: created,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func leaseIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestCreateTaskIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	task := newTask("task-1", 0, base)
	task.IdempotencyKey = "k1"
	first, created, err := m.CreateTask(ctx, task)
	require.NoError(t, err)
	assert.True(t, created)

	dup := newTask("task-2", 0, base)
	dup.IdempotencyKey = "k1"
	second, created, err := m.CreateTask(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestClaimOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Same priority: FIFO by created_at. Higher priority jumps the line.
	_, _, err := m.CreateTask(ctx, newTask("old", 0, base))
	require.NoError(t, err)
	_, _, err = m.CreateTask(ctx, newTask("new", 0, base.Add(time.Second)))
	require.NoError(t, err)
	_, _, err = m.CreateTask(ctx, newTask("urgent", 5, base.Add(2*time.Second)))
	require.NoError(t, err)

	tasks, leases, err := m.ClaimTasks(ctx, ClaimRequest{
		TenantID:   "t1",
		WorkerID:   "w1",
		MaxTasks:   3,
		TTL:        time.Minute,
		Now:        base.Add(time.Minute),
		NewLeaseID: leaseIDs("lease"),
	})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Len(t, leases, 3)
	assert.Equal(t, "urgent", tasks[0].TaskID)
	assert.Equal(t, "old", tasks[1].TaskID)
	assert.Equal(t, "new", tasks[2].TaskID)
	for _, task := range tasks {
		assert.Equal(t, types.TaskStatusLeased, task.Status)
	}
}

func TestClaimSkipsIneligible(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	backoff := newTask("backoff", 0, base)
	backoff.NextEligibleAt = base.Add(time.Hour)
	_, _, err := m.CreateTask(ctx, backoff)
	require.NoError(t, err)

	needsGPU := newTask("needs-gpu", 0, base)
	needsGPU.Requirements = map[string]any{"capabilities": []any{"gpu"}}
	_, _, err = m.CreateTask(ctx, needsGPU)
	require.NoError(t, err)

	wrongType := newTask("wrong-type", 0, base)
	wrongType.Type = "t.other"
	_, _, err = m.CreateTask(ctx, wrongType)
	require.NoError(t, err)

	tasks, _, err := m.ClaimTasks(ctx, ClaimRequest{
		TenantID:     "t1",
		WorkerID:     "w1",
		Capabilities: []string{"demo"},
		AcceptTypes:  []string{"t.demo"},
		MaxTasks:     10,
		TTL:          time.Minute,
		Now:          base.Add(time.Minute),
		NewLeaseID:   leaseIDs("lease"),
	})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestClaimZeroReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.CreateTask(ctx, newTask("task-1", 0, base))
	require.NoError(t, err)

	tasks, leases, err := m.ClaimTasks(ctx, ClaimRequest{
		TenantID:   "t1",
		WorkerID:   "w1",
		MaxTasks:   0,
		TTL:        time.Minute,
		Now:        base.Add(time.Minute),
		NewLeaseID: leaseIDs("lease"),
	})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, leases)
}

func TestInTxRollback(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.CreateTask(ctx, newTask("task-1", 0, base))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.InTx(ctx, func(ctx context.Context, s Store) error {
		_, uerr := s.UpdateTaskStatus(ctx, "t1", "task-1", types.TaskStatusCanceled, nil, nil, base)
		require.NoError(t, uerr)
		_, _, uerr = s.InsertReceipt(ctx, &types.Receipt{
			TenantID: "t1", ReceiptID: "r1", ReceiptType: types.ReceiptTaskCanceled,
			Hash: "h1", CreatedAt: base,
		})
		require.NoError(t, uerr)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	task, err := m.GetTask(ctx, "t1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, task.Status)
	_, err = m.GetReceipt(ctx, "t1", "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNestedInTxSavepoint(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.CreateTask(ctx, newTask("task-1", 0, base))
	require.NoError(t, err)

	err = m.InTx(ctx, func(ctx context.Context, outer Store) error {
		_, uerr := outer.UpdateTaskStatus(ctx, "t1", "task-1", types.TaskStatusLeased, nil, nil, base)
		require.NoError(t, uerr)

		// Inner savepoint fails; outer work must survive.
		ierr := outer.InTx(ctx, func(ctx context.Context, inner Store) error {
			_, uerr := inner.UpdateTaskStatus(ctx, "t1", "task-1", types.TaskStatusCanceled, nil, nil, base)
			require.NoError(t, uerr)
			return errors.New("inner boom")
		})
		require.Error(t, ierr)
		return nil
	})
	require.NoError(t, err)

	task, err := m.GetTask(ctx, "t1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusLeased, task.Status)
}

func TestExpiredLeasesInstanceFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	mine := newTask("mine", 0, base)
	_, _, err := m.CreateTask(ctx, mine)
	require.NoError(t, err)
	other := newTask("other", 0, base)
	other.OwningInstance = "inst-b"
	_, _, err = m.CreateTask(ctx, other)
	require.NoError(t, err)

	_, _, err = m.ClaimTasks(ctx, ClaimRequest{
		TenantID: "t1", WorkerID: "w1", MaxTasks: 10, TTL: time.Second,
		Now: base, NewLeaseID: leaseIDs("lease"),
	})
	require.NoError(t, err)

	expired, err := m.GetExpiredLeases(ctx, "inst-a", base.Add(time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "mine", expired[0].TaskID)
}

func TestRequeuePaths(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.CreateTask(ctx, newTask("task-1", 0, base))
	require.NoError(t, err)

	started := base.Add(time.Second)
	_, err = m.UpdateTaskStatus(ctx, "t1", "task-1", types.TaskStatusRunning, nil, &started, started)
	require.NoError(t, err)

	// Retry consumes an attempt and applies backoff.
	task, err := m.RequeueWithBackoff(ctx, "t1", "task-1", 15*time.Second, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, base.Add(time.Minute).Add(15*time.Second), task.NextEligibleAt)

	// Expiry keeps the attempt and clears started_at.
	task, err = m.RequeueOnExpiry(ctx, "t1", "task-1", 3*time.Second, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempt)
	assert.Nil(t, task.StartedAt)
	assert.Equal(t, types.TaskStatusQueued, task.Status)

	// Terminal failure consumes the last attempt, capped at
	// max_attempts.
	task, err = m.FailTerminal(ctx, "t1", "task-1", map[string]any{"error": "x"}, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.Equal(t, 2, task.Attempt)

	task, err = m.FailTerminal(ctx, "t1", "task-1", nil, base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, task.Attempt)
}

func TestReceiptDedupByHash(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	r := &types.Receipt{
		TenantID: "t1", ReceiptID: "r1", ReceiptType: types.ReceiptTaskAssigned,
		Hash: "same-hash", CreatedAt: base,
	}
	first, inserted, err := m.InsertReceipt(ctx, r)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &types.Receipt{
		TenantID: "t1", ReceiptID: "r2", ReceiptType: types.ReceiptTaskAssigned,
		Hash: "same-hash", CreatedAt: base.Add(time.Second),
	}
	second, inserted, err := m.InsertReceipt(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ReceiptID, second.ReceiptID)
}

func TestChildrenQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ob := &types.Receipt{
		TenantID: "t1", ReceiptID: "ob-1", ReceiptType: types.ReceiptTaskAssigned,
		Hash: "h-ob", CreatedAt: base,
	}
	_, _, err := m.InsertReceipt(ctx, ob)
	require.NoError(t, err)

	term := &types.Receipt{
		TenantID: "t1", ReceiptID: "term-1", ReceiptType: types.ReceiptTaskCompleted,
		Parents: []string{"ob-1"}, Hash: "h-term", CreatedAt: base.Add(time.Second),
	}
	_, _, err = m.InsertReceipt(ctx, term)
	require.NoError(t, err)

	exists, err := m.ChildrenExist(ctx, "t1", []string{"ob-1", "ob-2"},
		[]types.ReceiptType{types.ReceiptTaskCompleted})
	require.NoError(t, err)
	assert.True(t, exists["ob-1"])
	assert.False(t, exists["ob-2"])

	children, err := m.GetChildren(ctx, "t1", "ob-1", nil)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "term-1", children[0].ReceiptID)
}

func TestMarkDeliveredIsSticky(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _, err := m.InsertReceipt(ctx, &types.Receipt{
		TenantID: "t1", ReceiptID: "r1", ReceiptType: types.ReceiptTaskAssigned,
		Hash: "h1", CreatedAt: base,
	})
	require.NoError(t, err)

	first := base.Add(time.Minute)
	require.NoError(t, m.MarkDelivered(ctx, "t1", []string{"r1"}, first))
	require.NoError(t, m.MarkDelivered(ctx, "t1", []string{"r1"}, base.Add(time.Hour)))

	r, err := m.GetReceipt(ctx, "t1", "r1")
	require.NoError(t, err)
	require.NotNil(t, r.DeliveredAt)
	assert.True(t, r.DeliveredAt.Equal(first))
}

func TestTouchRelationship(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rel, err := m.TouchRelationship(ctx, "t1", types.PrincipalKindAgent, "a1", base)
	require.NoError(t, err)
	assert.Equal(t, 1, rel.SessionCount)
	assert.True(t, rel.FirstSeenAt.Equal(base))

	later := base.Add(time.Hour)
	rel, err = m.TouchRelationship(ctx, "t1", types.PrincipalKindAgent, "a1", later)
	require.NoError(t, err)
	assert.Equal(t, 2, rel.SessionCount)
	assert.True(t, rel.FirstSeenAt.Equal(base))
	assert.True(t, rel.LastSeenAt.Equal(later))
}
