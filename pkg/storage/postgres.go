package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/asyncgate/asyncgate/pkg/types"
)

// querier is the subset of pgx shared by pools and transactions, so
// every query method works both inside and outside InTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production Store backed by pgx/v5.
type Postgres struct {
	pool *pgxpool.Pool
	tx   pgx.Tx // non-nil when this handle lives inside InTx
}

// NewPostgres connects a pool and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// EnsureSchema applies the DDL. Statements are idempotent.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.q().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Postgres) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.pool
}

// Close releases the pool. No-op on transaction handles.
func (s *Postgres) Close() {
	if s.tx == nil {
		s.pool.Close()
	}
}

// InTx opens a transaction, or a savepoint when already inside one
// (pgx turns nested Begin into SAVEPOINT/RELEASE).
func (s *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if s.tx != nil {
		tx, err = s.tx.Begin(ctx)
	} else {
		tx, err = s.pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	inner := &Postgres{pool: s.pool, tx: tx}
	if err := fn(ctx, inner); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const taskColumns = `tenant_id, task_id, type, status, priority, attempt, max_attempts,
	retry_backoff_seconds, payload, payload_pointer, requirements,
	created_by_kind, created_by_id, principal_ai, idempotency_key,
	expected_outcome_kind, expected_artifact_mime, owning_instance,
	next_eligible_at, started_at, result, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t                          types.Task
		payload, reqs, result      []byte
		payloadPtr, idem, eok, eam *string
	)
	err := row.Scan(
		&t.TenantID, &t.TaskID, &t.Type, &t.Status, &t.Priority, &t.Attempt, &t.MaxAttempts,
		&t.RetryBackoffSeconds, &payload, &payloadPtr, &reqs,
		&t.CreatedBy.Kind, &t.CreatedBy.ID, &t.PrincipalAI, &idem,
		&eok, &eam, &t.OwningInstance,
		&t.NextEligibleAt, &t.StartedAt, &result, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if payloadPtr != nil {
		t.PayloadPointer = *payloadPtr
	}
	if idem != nil {
		t.IdempotencyKey = *idem
	}
	if eok != nil {
		t.ExpectedOutcomeKind = *eok
	}
	if eam != nil {
		t.ExpectedArtifactMime = *eam
	}
	if err := unmarshalJSONB(payload, &t.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(reqs, &t.Requirements); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(result, &t.Result); err != nil {
		return nil, err
	}
	return &t, nil
}

func unmarshalJSONB(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func marshalJSONB(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Postgres) CreateTask(ctx context.Context, task *types.Task) (*types.Task, bool, error) {
	payload, err := marshalJSONB(task.Payload)
	if err != nil {
		return nil, false, err
	}
	reqs, err := marshalJSONB(task.Requirements)
	if err != nil {
		return nil, false, err
	}

	row := s.q().QueryRow(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING `+taskColumns,
		task.TenantID, task.TaskID, task.Type, task.Status, task.Priority, task.Attempt,
		task.MaxAttempts, task.RetryBackoffSeconds, payload, nullable(task.PayloadPointer), reqs,
		task.CreatedBy.Kind, task.CreatedBy.ID, task.PrincipalAI, nullable(task.IdempotencyKey),
		nullable(task.ExpectedOutcomeKind), nullable(task.ExpectedArtifactMime), task.OwningInstance,
		task.NextEligibleAt, task.StartedAt, nil, task.CreatedAt, task.UpdatedAt,
	)
	created, err := scanTask(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		if isUniqueViolation(err) {
			return nil, false, ErrConflict
		}
		return nil, false, err
	}

	// Idempotency collision: the conflict clause swallowed the insert,
	// hand back the existing row.
	existing, err := scanTask(s.q().QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE tenant_id = $1 AND idempotency_key = $2`,
		task.TenantID, task.IdempotencyKey))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Postgres) GetTask(ctx context.Context, tenantID, taskID string) (*types.Task, error) {
	return scanTask(s.q().QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE tenant_id = $1 AND task_id = $2`,
		tenantID, taskID))
}

func (s *Postgres) ListTasks(ctx context.Context, tenantID string, f TaskFilter) ([]*types.Task, error) {
	sql := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.Status != "" {
		args = append(args, f.Status)
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		sql += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.CreatedBy != "" {
		args = append(args, f.CreatedBy)
		sql += fmt.Sprintf(" AND created_by_id = $%d", len(args))
	}
	if !f.Cursor.IsZero() {
		args = append(args, f.Cursor)
		sql += fmt.Sprintf(" AND created_at > $%d", len(args))
	}
	args = append(args, f.Limit)
	sql += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))

	rows, err := s.q().Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Postgres) UpdateTaskStatus(ctx context.Context, tenantID, taskID string, status types.TaskStatus,
	result map[string]any, startedAt *time.Time, now time.Time) (*types.Task, error) {
	res, err := marshalJSONB(result)
	if err != nil {
		return nil, err
	}
	return scanTask(s.q().QueryRow(ctx, `
		UPDATE tasks
		SET status = $3,
		    result = COALESCE($4, result),
		    started_at = COALESCE(started_at, $5),
		    updated_at = $6
		WHERE tenant_id = $1 AND task_id = $2
		RETURNING `+taskColumns,
		tenantID, taskID, status, res, startedAt, now))
}

func (s *Postgres) RequeueWithBackoff(ctx context.Context, tenantID, taskID string, backoff time.Duration, now time.Time) (*types.Task, error) {
	return scanTask(s.q().QueryRow(ctx, `
		UPDATE tasks
		SET status = 'queued',
		    attempt = attempt + 1,
		    next_eligible_at = $3,
		    updated_at = $4
		WHERE tenant_id = $1 AND task_id = $2
		RETURNING `+taskColumns,
		tenantID, taskID, now.Add(backoff), now))
}

func (s *Postgres) FailTerminal(ctx context.Context, tenantID, taskID string, result map[string]any, now time.Time) (*types.Task, error) {
	res, err := marshalJSONB(result)
	if err != nil {
		return nil, err
	}
	return scanTask(s.q().QueryRow(ctx, `
		UPDATE tasks
		SET status = 'failed',
		    attempt = LEAST(attempt + 1, max_attempts),
		    result = COALESCE($3, result),
		    updated_at = $4
		WHERE tenant_id = $1 AND task_id = $2
		RETURNING `+taskColumns,
		tenantID, taskID, res, now))
}

func (s *Postgres) RequeueOnExpiry(ctx context.Context, tenantID, taskID string, jitter time.Duration, now time.Time) (*types.Task, error) {
	// Lost authority is not failure: attempt stays as-is.
	return scanTask(s.q().QueryRow(ctx, `
		UPDATE tasks
		SET status = 'queued',
		    next_eligible_at = $3,
		    started_at = NULL,
		    updated_at = $4
		WHERE tenant_id = $1 AND task_id = $2
		RETURNING `+taskColumns,
		tenantID, taskID, now.Add(jitter), now))
}

func (s *Postgres) ClaimTasks(ctx context.Context, req ClaimRequest) ([]*types.Task, []*types.Lease, error) {
	var (
		tasks  []*types.Task
		leases []*types.Lease
	)
	err := s.InTx(ctx, func(ctx context.Context, st Store) error {
		tx := st.(*Postgres)

		sql := `SELECT ` + taskColumns + ` FROM tasks
			WHERE tenant_id = $1 AND status = 'queued' AND next_eligible_at <= $2`
		args := []any{req.TenantID, req.Now}
		if len(req.AcceptTypes) > 0 {
			args = append(args, req.AcceptTypes)
			sql += fmt.Sprintf(" AND type = ANY($%d)", len(args))
		}
		// Overselect so capability filtering can still fill the page.
		args = append(args, req.MaxTasks*3)
		sql += fmt.Sprintf(` ORDER BY priority DESC, created_at ASC LIMIT $%d FOR UPDATE SKIP LOCKED`, len(args))

		rows, err := tx.q().Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		candidates := []*types.Task{}
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

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
			if _, err := tx.q().Exec(ctx, `
				INSERT INTO leases (lease_id, tenant_id, task_id, worker_id, acquired_at, expires_at, renewal_count)
				VALUES ($1,$2,$3,$4,$5,$6,0)`,
				lease.LeaseID, lease.TenantID, lease.TaskID, lease.WorkerID, lease.AcquiredAt, lease.ExpiresAt,
			); err != nil {
				return err
			}

			updated, err := tx.UpdateTaskStatus(ctx, cand.TenantID, cand.TaskID, types.TaskStatusLeased, nil, nil, req.Now)
			if err != nil {
				return err
			}
			tasks = append(tasks, updated)
			leases = append(leases, lease)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return tasks, leases, nil
}

// capabilitySubset reports whether every required capability is covered
// by the worker's.
func capabilitySubset(required, offered []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(offered))
	for _, c := range offered {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}

const leaseColumns = `lease_id, tenant_id, task_id, worker_id, acquired_at, expires_at, renewal_count`

func scanLease(row rowScanner) (*types.Lease, error) {
	var l types.Lease
	err := row.Scan(&l.LeaseID, &l.TenantID, &l.TaskID, &l.WorkerID, &l.AcquiredAt, &l.ExpiresAt, &l.RenewalCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (s *Postgres) GetLease(ctx context.Context, tenantID, leaseID string) (*types.Lease, error) {
	return scanLease(s.q().QueryRow(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE tenant_id = $1 AND lease_id = $2`,
		tenantID, leaseID))
}

func (s *Postgres) GetLeaseByTask(ctx context.Context, tenantID, taskID string) (*types.Lease, error) {
	return scanLease(s.q().QueryRow(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE tenant_id = $1 AND task_id = $2`,
		tenantID, taskID))
}

func (s *Postgres) RenewLease(ctx context.Context, tenantID, leaseID string, expiresAt time.Time) (*types.Lease, error) {
	return scanLease(s.q().QueryRow(ctx, `
		UPDATE leases
		SET expires_at = $3, renewal_count = renewal_count + 1
		WHERE tenant_id = $1 AND lease_id = $2
		RETURNING `+leaseColumns,
		tenantID, leaseID, expiresAt))
}

func (s *Postgres) ReleaseLease(ctx context.Context, tenantID, leaseID string) error {
	tag, err := s.q().Exec(ctx,
		`DELETE FROM leases WHERE tenant_id = $1 AND lease_id = $2`, tenantID, leaseID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetExpiredLeases(ctx context.Context, instanceID string, now time.Time, limit int) ([]*types.Lease, error) {
	rows, err := s.q().Query(ctx, `
		SELECT l.lease_id, l.tenant_id, l.task_id, l.worker_id, l.acquired_at, l.expires_at, l.renewal_count
		FROM leases l
		JOIN tasks t ON t.tenant_id = l.tenant_id AND t.task_id = l.task_id
		WHERE l.expires_at < $1 AND t.owning_instance = $2
		ORDER BY l.expires_at ASC
		LIMIT $3`,
		now, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []*types.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

func (s *Postgres) UpsertProgress(ctx context.Context, p *types.Progress) (*types.Progress, error) {
	detail, err := marshalJSONB(p.Detail)
	if err != nil {
		return nil, err
	}
	row := s.q().QueryRow(ctx, `
		INSERT INTO progress (tenant_id, task_id, worker_id, percent, note, detail, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, task_id)
		DO UPDATE SET worker_id = $3, percent = $4, note = $5, detail = $6, updated_at = $7
		RETURNING tenant_id, task_id, worker_id, percent, note, detail, updated_at`,
		p.TenantID, p.TaskID, p.WorkerID, p.Percent, nullable(p.Note), detail, p.UpdatedAt)
	return scanProgress(row)
}

func (s *Postgres) GetProgress(ctx context.Context, tenantID, taskID string) (*types.Progress, error) {
	return scanProgress(s.q().QueryRow(ctx, `
		SELECT tenant_id, task_id, worker_id, percent, note, detail, updated_at
		FROM progress WHERE tenant_id = $1 AND task_id = $2`,
		tenantID, taskID))
}

func scanProgress(row rowScanner) (*types.Progress, error) {
	var (
		p      types.Progress
		note   *string
		detail []byte
	)
	err := row.Scan(&p.TenantID, &p.TaskID, &p.WorkerID, &p.Percent, &note, &detail, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if note != nil {
		p.Note = *note
	}
	if err := unmarshalJSONB(detail, &p.Detail); err != nil {
		return nil, err
	}
	return &p, nil
}

const receiptColumns = `tenant_id, receipt_id, receipt_type, from_kind, from_id, to_kind, to_id,
	task_id, lease_id, schedule_id, parents, body, hash, created_at, delivered_at`

func scanReceipt(row rowScanner) (*types.Receipt, error) {
	var (
		r                        types.Receipt
		taskID, leaseID, schedID *string
		parents, body            []byte
	)
	err := row.Scan(
		&r.TenantID, &r.ReceiptID, &r.ReceiptType, &r.From.Kind, &r.From.ID, &r.To.Kind, &r.To.ID,
		&taskID, &leaseID, &schedID, &parents, &body, &r.Hash, &r.CreatedAt, &r.DeliveredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if taskID != nil {
		r.TaskID = *taskID
	}
	if leaseID != nil {
		r.LeaseID = *leaseID
	}
	if schedID != nil {
		r.ScheduleID = *schedID
	}
	if err := json.Unmarshal(parents, &r.Parents); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &r.Body); err != nil {
		return nil, err
	}
	r.SchemaVersion = types.ReceiptSchemaVersion
	return &r, nil
}

func (s *Postgres) InsertReceipt(ctx context.Context, r *types.Receipt) (*types.Receipt, bool, error) {
	parents := r.Parents
	if parents == nil {
		parents = []string{}
	}
	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return nil, false, err
	}
	body := r.Body
	if body == nil {
		body = map[string]any{}
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, false, err
	}

	row := s.q().QueryRow(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NULL)
		ON CONFLICT (tenant_id, hash) DO NOTHING
		RETURNING `+receiptColumns,
		r.TenantID, r.ReceiptID, r.ReceiptType, r.From.Kind, r.From.ID, r.To.Kind, r.To.ID,
		nullable(r.TaskID), nullable(r.LeaseID), nullable(r.ScheduleID),
		parentsJSON, bodyJSON, r.Hash, r.CreatedAt)
	inserted, err := scanReceipt(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		if isUniqueViolation(err) {
			return nil, false, ErrConflict
		}
		return nil, false, err
	}

	// Dedup hit: the identical receipt already exists.
	existing, err := scanReceipt(s.q().QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = $1 AND hash = $2`,
		r.TenantID, r.Hash))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Postgres) GetReceipt(ctx context.Context, tenantID, receiptID string) (*types.Receipt, error) {
	return scanReceipt(s.q().QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`,
		tenantID, receiptID))
}

func (s *Postgres) ListReceipts(ctx context.Context, tenantID string, f ReceiptFilter) ([]*types.Receipt, error) {
	sql := `SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.ToID != "" {
		args = append(args, f.ToKind)
		sql += fmt.Sprintf(" AND to_kind = $%d", len(args))
		args = append(args, f.ToID)
		sql += fmt.Sprintf(" AND to_id = $%d", len(args))
	}
	if f.TaskID != "" {
		args = append(args, f.TaskID)
		sql += fmt.Sprintf(" AND task_id = $%d", len(args))
	}
	if len(f.Types) > 0 {
		strs := make([]string, len(f.Types))
		for i, t := range f.Types {
			strs[i] = string(t)
		}
		args = append(args, strs)
		sql += fmt.Sprintf(" AND receipt_type = ANY($%d)", len(args))
	}
	if f.SinceID != "" {
		args = append(args, f.SinceID)
		sql += fmt.Sprintf(` AND (created_at, receipt_id) > (
			SELECT created_at, receipt_id FROM receipts WHERE tenant_id = $1 AND receipt_id = $%d)`, len(args))
	}
	args = append(args, f.Limit)
	sql += fmt.Sprintf(" ORDER BY created_at ASC, receipt_id ASC LIMIT $%d", len(args))

	rows, err := s.q().Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []*types.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *Postgres) ReceiptsExist(ctx context.Context, tenantID string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.q().Query(ctx,
		`SELECT receipt_id FROM receipts WHERE tenant_id = $1 AND receipt_id = ANY($2)`,
		tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Postgres) ChildrenExist(ctx context.Context, tenantID string, parentIDs []string, childTypes []types.ReceiptType) (map[string]bool, error) {
	out := make(map[string]bool, len(parentIDs))
	if len(parentIDs) == 0 {
		return out, nil
	}
	typeStrs := make([]string, len(childTypes))
	for i, t := range childTypes {
		typeStrs[i] = string(t)
	}

	// One containment query for the whole batch; the GIN index on
	// parents answers ?| sub-linearly.
	rows, err := s.q().Query(ctx, `
		SELECT DISTINCT parent.value
		FROM receipts r
		CROSS JOIN LATERAL jsonb_array_elements_text(r.parents) AS parent(value)
		WHERE r.tenant_id = $1
		  AND r.parents ?| $2::text[]
		  AND parent.value = ANY($2)
		  AND r.receipt_type = ANY($3)`,
		tenantID, parentIDs, typeStrs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Postgres) GetChildren(ctx context.Context, tenantID, parentID string, childTypes []types.ReceiptType) ([]*types.Receipt, error) {
	typeStrs := make([]string, len(childTypes))
	for i, t := range childTypes {
		typeStrs[i] = string(t)
	}
	rows, err := s.q().Query(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tenant_id = $1
		  AND parents @> to_jsonb($2::text)
		  AND (cardinality($3::text[]) = 0 OR receipt_type = ANY($3))
		ORDER BY created_at ASC, receipt_id ASC`,
		tenantID, parentID, typeStrs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []*types.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *Postgres) MarkDelivered(ctx context.Context, tenantID string, receiptIDs []string, at time.Time) error {
	if len(receiptIDs) == 0 {
		return nil
	}
	_, err := s.q().Exec(ctx, `
		UPDATE receipts SET delivered_at = COALESCE(delivered_at, $3)
		WHERE tenant_id = $1 AND receipt_id = ANY($2)`,
		tenantID, receiptIDs, at)
	return err
}

func (s *Postgres) TouchRelationship(ctx context.Context, tenantID string, kind types.PrincipalKind, id string, now time.Time) (*types.Relationship, error) {
	var rel types.Relationship
	err := s.q().QueryRow(ctx, `
		INSERT INTO relationships (tenant_id, principal_kind, principal_id, first_seen_at, last_seen_at, session_count)
		VALUES ($1,$2,$3,$4,$4,1)
		ON CONFLICT (tenant_id, principal_kind, principal_id)
		DO UPDATE SET last_seen_at = $4, session_count = relationships.session_count + 1
		RETURNING tenant_id, principal_kind, principal_id, first_seen_at, last_seen_at, session_count`,
		tenantID, kind, id, now).Scan(
		&rel.TenantID, &rel.PrincipalKind, &rel.PrincipalID, &rel.FirstSeenAt, &rel.LastSeenAt, &rel.SessionCount)
	if err != nil {
		return nil, err
	}
	return &rel, nil
}
