package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/asyncgate/asyncgate/pkg/types"
)

// Memory is an in-memory Store for tests and --dev mode. It mirrors
// the Postgres semantics including savepoint rollback: InTx snapshots
// the maps and restores them when fn errors.
//
// Mutations are copy-on-write: stored structs are never modified in
// place, so a snapshot shares pointers safely.
type Memory struct {
	mu   *sync.Mutex
	data *memData
	inTx bool
}

type memData struct {
	seq int

	tasks       map[string]*types.Task // tenant|taskID
	tasksByIdem map[string]string      // tenant|idempotencyKey -> taskID

	leases      map[string]*types.Lease // tenant|leaseID
	leaseByTask map[string]string       // tenant|taskID -> leaseID

	receipts      map[string]*types.Receipt // tenant|receiptID
	receiptByHash map[string]string         // tenant|hash -> receiptID
	receiptSeq    map[string]int            // tenant|receiptID -> insertion order

	taskSeq map[string]int // tenant|taskID -> insertion order

	progress      map[string]*types.Progress     // tenant|taskID
	relationships map[string]*types.Relationship // tenant|kind|id
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		mu: &sync.Mutex{},
		data: &memData{
			tasks:         map[string]*types.Task{},
			tasksByIdem:   map[string]string{},
			leases:        map[string]*types.Lease{},
			leaseByTask:   map[string]string{},
			receipts:      map[string]*types.Receipt{},
			receiptByHash: map[string]string{},
			receiptSeq:    map[string]int{},
			taskSeq:       map[string]int{},
			progress:      map[string]*types.Progress{},
			relationships: map[string]*types.Relationship{},
		},
	}
}

func key(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// lock acquires the store mutex unless this handle already holds it
// through an enclosing transaction.
func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (d *memData) clone() *memData {
	c := &memData{
		seq:           d.seq,
		tasks:         make(map[string]*types.Task, len(d.tasks)),
		tasksByIdem:   make(map[string]string, len(d.tasksByIdem)),
		leases:        make(map[string]*types.Lease, len(d.leases)),
		leaseByTask:   make(map[string]string, len(d.leaseByTask)),
		receipts:      make(map[string]*types.Receipt, len(d.receipts)),
		receiptByHash: make(map[string]string, len(d.receiptByHash)),
		receiptSeq:    make(map[string]int, len(d.receiptSeq)),
		taskSeq:       make(map[string]int, len(d.taskSeq)),
		progress:      make(map[string]*types.Progress, len(d.progress)),
		relationships: make(map[string]*types.Relationship, len(d.relationships)),
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	for k, v := range d.tasksByIdem {
		c.tasksByIdem[k] = v
	}
	for k, v := range d.leases {
		c.leases[k] = v
	}
	for k, v := range d.leaseByTask {
		c.leaseByTask[k] = v
	}
	for k, v := range d.receipts {
		c.receipts[k] = v
	}
	for k, v := range d.receiptByHash {
		c.receiptByHash[k] = v
	}
	for k, v := range d.receiptSeq {
		c.receiptSeq[k] = v
	}
	for k, v := range d.taskSeq {
		c.taskSeq[k] = v
	}
	for k, v := range d.progress {
		c.progress[k] = v
	}
	for k, v := range d.relationships {
		c.relationships[k] = v
	}
	return c
}

// InTx serializes transactions under the store lock and restores the
// pre-transaction snapshot when fn errors. Nested calls behave like
// savepoints.
func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	unlock := m.lock()
	defer unlock()

	snapshot := m.data.clone()
	inner := &Memory{mu: m.mu, data: m.data, inTx: true}
	if err := fn(ctx, inner); err != nil {
		*m.data = *snapshot
		return err
	}
	return nil
}

func (m *Memory) Close() {}

func (m *Memory) CreateTask(ctx context.Context, task *types.Task) (*types.Task, bool, error) {
	unlock := m.lock()
	defer unlock()

	if task.IdempotencyKey != "" {
		if existingID, ok := m.data.tasksByIdem[key(task.TenantID, task.IdempotencyKey)]; ok {
			return m.data.tasks[key(task.TenantID, existingID)], false, nil
		}
	}
	k := key(task.TenantID, task.TaskID)
	if _, ok := m.data.tasks[k]; ok {
		return nil, false, ErrConflict
	}

	stored := *task
	m.data.tasks[k] = &stored
	m.data.seq++
	m.data.taskSeq[k] = m.data.seq
	if task.IdempotencyKey != "" {
		m.data.tasksByIdem[key(task.TenantID, task.IdempotencyKey)] = task.TaskID
	}
	return &stored, true, nil
}

func (m *Memory) GetTask(ctx context.Context, tenantID, taskID string) (*types.Task, error) {
	unlock := m.lock()
	defer unlock()
	return m.getTask(tenantID, taskID)
}

func (m *Memory) getTask(tenantID, taskID string) (*types.Task, error) {
	t, ok := m.data.tasks[key(tenantID, taskID)]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListTasks(ctx context.Context, tenantID string, f TaskFilter) ([]*types.Task, error) {
	unlock := m.lock()
	defer unlock()

	var out []*types.Task
	for _, t := range m.data.tasks {
		if t.TenantID != tenantID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.CreatedBy != "" && t.CreatedBy.ID != f.CreatedBy {
			continue
		}
		if !f.Cursor.IsZero() && !t.CreatedAt.After(f.Cursor) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.data.taskSeq[key(tenantID, out[i].TaskID)] < m.data.taskSeq[key(tenantID, out[j].TaskID)]
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateTaskStatus(ctx context.Context, tenantID, taskID string, status types.TaskStatus,
	result map[string]any, startedAt *time.Time, now time.Time) (*types.Task, error) {
	unlock := m.lock()
	defer unlock()

	t, err := m.getTask(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	updated := *t
	updated.Status = status
	if result != nil {
		updated.Result = result
	}
	if startedAt != nil && updated.StartedAt == nil {
		updated.StartedAt = startedAt
	}
	updated.UpdatedAt = now
	m.data.tasks[key(tenantID, taskID)] = &updated
	return &updated, nil
}

func (m *Memory) RequeueWithBackoff(ctx context.Context, tenantID, taskID string, backoff time.Duration, now time.Time) (*types.Task, error) {
	unlock := m.lock()
	defer unlock()

	t, err := m.getTask(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	updated := *t
	updated.Status = types.TaskStatusQueued
	updated.Attempt++
	updated.NextEligibleAt = now.Add(backoff)
	updated.UpdatedAt = now
	m.data.tasks[key(tenantID, taskID)] = &updated
	return &updated, nil
}

func (m *Memory) FailTerminal(ctx context.Context, tenantID, taskID string, result map[string]any, now time.Time) (*types.Task, error) {
	unlock := m.lock()
	defer unlock()

	t, err := m.getTask(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	updated := *t
	updated.Status = types.TaskStatusFailed
	if updated.Attempt < updated.MaxAttempts {
		updated.Attempt++
	}
	if result != nil {
		updated.Result = result
	}
	updated.UpdatedAt = now
	m.data.tasks[key(tenantID, taskID)] = &updated
	return &updated, nil
}

func (m *Memory) RequeueOnExpiry(ctx context.Context, tenantID, taskID string, jitter time.Duration, now time.Time) (*types.Task, error) {
	unlock := m.lock()
	defer unlock()

	t, err := m.getTask(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	updated := *t
	updated.Status = types.TaskStatusQueued
	updated.NextEligibleAt = now.Add(jitter)
	updated.StartedAt = nil
	updated.UpdatedAt = now
	m.data.tasks[key(tenantID, taskID)] = &updated
	return &updated, nil
}

func (m *Memory) ClaimTasks(ctx context.Context, req ClaimRequest) ([]*types.Task, []*types.Lease, error) {
	unlock := m.lock()
	defer unlock()

	var candidates []*types.Task
	for _, t := range m.data.tasks {
		if t.TenantID != req.TenantID || t.Status != types.TaskStatusQueued {
			continue
		}
		if t.NextEligibleAt.After(req.Now) {
			continue
		}
		if len(req.AcceptTypes) > 0 && !contains(req.AcceptTypes, t.Type) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		ki := key(req.TenantID, candidates[i].TaskID)
		kj := key(req.TenantID, candidates[j].TaskID)
		return m.data.taskSeq[ki] < m.data.taskSeq[kj]
	})

	var (
		tasks  []*types.Task
		leases []*types.Lease
	)
	for _, cand := range candidates {
		if len(tasks) >= req.MaxTasks {
			break
		}
		if !capabilitySubset(cand.Capabilities(), req.Capabilities) {
			continue
		}

		lease := &types.Lease{
			LeaseID:    req.NewLeaseID(),
			TenantID:   cand.TenantID,
			TaskID:     cand.TaskID,
			WorkerID:   req.WorkerID,
			AcquiredAt: req.Now,
			ExpiresAt:  req.Now.Add(req.TTL),
		}
		m.data.leases[key(lease.TenantID, lease.LeaseID)] = lease
		m.data.leaseByTask[key(lease.TenantID, lease.TaskID)] = lease.LeaseID

		updated := *cand
		updated.Status = types.TaskStatusLeased
		updated.UpdatedAt = req.Now
		m.data.tasks[key(cand.TenantID, cand.TaskID)] = &updated

		tasks = append(tasks, &updated)
		leases = append(leases, lease)
	}
	return tasks, leases, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (m *Memory) GetLease(ctx context.Context, tenantID, leaseID string) (*types.Lease, error) {
	unlock := m.lock()
	defer unlock()

	l, ok := m.data.leases[key(tenantID, leaseID)]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

func (m *Memory) GetLeaseByTask(ctx context.Context, tenantID, taskID string) (*types.Lease, error) {
	unlock := m.lock()
	defer unlock()

	id, ok := m.data.leaseByTask[key(tenantID, taskID)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.data.leases[key(tenantID, id)], nil
}

func (m *Memory) RenewLease(ctx context.Context, tenantID, leaseID string, expiresAt time.Time) (*types.Lease, error) {
	unlock := m.lock()
	defer unlock()

	l, ok := m.data.leases[key(tenantID, leaseID)]
	if !ok {
		return nil, ErrNotFound
	}
	updated := *l
	updated.ExpiresAt = expiresAt
	updated.RenewalCount++
	m.data.leases[key(tenantID, leaseID)] = &updated
	return &updated, nil
}

func (m *Memory) ReleaseLease(ctx context.Context, tenantID, leaseID string) error {
	unlock := m.lock()
	defer unlock()

	l, ok := m.data.leases[key(tenantID, leaseID)]
	if !ok {
		return ErrNotFound
	}
	delete(m.data.leases, key(tenantID, leaseID))
	delete(m.data.leaseByTask, key(tenantID, l.TaskID))
	return nil
}

func (m *Memory) GetExpiredLeases(ctx context.Context, instanceID string, now time.Time, limit int) ([]*types.Lease, error) {
	unlock := m.lock()
	defer unlock()

	var out []*types.Lease
	for _, l := range m.data.leases {
		if !l.ExpiresAt.Before(now) {
			continue
		}
		t, ok := m.data.tasks[key(l.TenantID, l.TaskID)]
		if !ok || t.OwningInstance != instanceID {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertProgress(ctx context.Context, p *types.Progress) (*types.Progress, error) {
	unlock := m.lock()
	defer unlock()

	stored := *p
	m.data.progress[key(p.TenantID, p.TaskID)] = &stored
	return &stored, nil
}

func (m *Memory) GetProgress(ctx context.Context, tenantID, taskID string) (*types.Progress, error) {
	unlock := m.lock()
	defer unlock()

	p, ok := m.data.progress[key(tenantID, taskID)]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *Memory) InsertReceipt(ctx context.Context, r *types.Receipt) (*types.Receipt, bool, error) {
	unlock := m.lock()
	defer unlock()

	if existingID, ok := m.data.receiptByHash[key(r.TenantID, r.Hash)]; ok {
		return m.data.receipts[key(r.TenantID, existingID)], false, nil
	}
	stored := *r
	stored.SchemaVersion = types.ReceiptSchemaVersion
	if stored.Parents == nil {
		stored.Parents = []string{}
	}
	if stored.Body == nil {
		stored.Body = map[string]any{}
	}
	k := key(r.TenantID, r.ReceiptID)
	m.data.receipts[k] = &stored
	m.data.receiptByHash[key(r.TenantID, r.Hash)] = r.ReceiptID
	m.data.seq++
	m.data.receiptSeq[k] = m.data.seq
	return &stored, true, nil
}

func (m *Memory) GetReceipt(ctx context.Context, tenantID, receiptID string) (*types.Receipt, error) {
	unlock := m.lock()
	defer unlock()

	r, ok := m.data.receipts[key(tenantID, receiptID)]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *Memory) sortedReceipts(tenantID string) []*types.Receipt {
	var out []*types.Receipt
	for _, r := range m.data.receipts {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		ki := key(tenantID, out[i].ReceiptID)
		kj := key(tenantID, out[j].ReceiptID)
		return m.data.receiptSeq[ki] < m.data.receiptSeq[kj]
	})
	return out
}

func (m *Memory) ListReceipts(ctx context.Context, tenantID string, f ReceiptFilter) ([]*types.Receipt, error) {
	unlock := m.lock()
	defer unlock()

	all := m.sortedReceipts(tenantID)

	// The cursor is strict: results start after the since receipt in
	// (created_at, insertion) order.
	skipUntil := -1
	if f.SinceID != "" {
		for i, r := range all {
			if r.ReceiptID == f.SinceID {
				skipUntil = i
				break
			}
		}
	}

	var out []*types.Receipt
	for i, r := range all {
		if i <= skipUntil {
			continue
		}
		if f.ToID != "" && (r.To.Kind != f.ToKind || r.To.ID != f.ToID) {
			continue
		}
		if f.TaskID != "" && r.TaskID != f.TaskID {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, r.ReceiptType) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func containsType(list []types.ReceiptType, v types.ReceiptType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

func (m *Memory) ReceiptsExist(ctx context.Context, tenantID string, ids []string) (map[string]bool, error) {
	unlock := m.lock()
	defer unlock()

	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := m.data.receipts[key(tenantID, id)]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *Memory) ChildrenExist(ctx context.Context, tenantID string, parentIDs []string, childTypes []types.ReceiptType) (map[string]bool, error) {
	unlock := m.lock()
	defer unlock()

	wanted := make(map[string]bool, len(parentIDs))
	for _, id := range parentIDs {
		wanted[id] = true
	}
	out := map[string]bool{}
	for _, r := range m.data.receipts {
		if r.TenantID != tenantID {
			continue
		}
		if len(childTypes) > 0 && !containsType(childTypes, r.ReceiptType) {
			continue
		}
		for _, p := range r.Parents {
			if wanted[p] {
				out[p] = true
			}
		}
	}
	return out, nil
}

func (m *Memory) GetChildren(ctx context.Context, tenantID, parentID string, childTypes []types.ReceiptType) ([]*types.Receipt, error) {
	unlock := m.lock()
	defer unlock()

	var out []*types.Receipt
	for _, r := range m.sortedReceipts(tenantID) {
		if len(childTypes) > 0 && !containsType(childTypes, r.ReceiptType) {
			continue
		}
		if contains(r.Parents, parentID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, tenantID string, receiptIDs []string, at time.Time) error {
	unlock := m.lock()
	defer unlock()

	for _, id := range receiptIDs {
		r, ok := m.data.receipts[key(tenantID, id)]
		if !ok || r.DeliveredAt != nil {
			continue
		}
		updated := *r
		ts := at
		updated.DeliveredAt = &ts
		m.data.receipts[key(tenantID, id)] = &updated
	}
	return nil
}

func (m *Memory) TouchRelationship(ctx context.Context, tenantID string, kind types.PrincipalKind, id string, now time.Time) (*types.Relationship, error) {
	unlock := m.lock()
	defer unlock()

	k := key(tenantID, string(kind), id)
	if existing, ok := m.data.relationships[k]; ok {
		updated := *existing
		updated.LastSeenAt = now
		updated.SessionCount++
		m.data.relationships[k] = &updated
		return &updated, nil
	}
	rel := &types.Relationship{
		TenantID:      tenantID,
		PrincipalKind: kind,
		PrincipalID:   id,
		FirstSeenAt:   now,
		LastSeenAt:    now,
		SessionCount:  1,
	}
	m.data.relationships[k] = rel
	return rel, nil
}
