package storage

// Schema is the full AsyncGate DDL. Statements are idempotent so the
// migrate tool can re-run them safely. Receipts carry no foreign keys:
// the ledger outlives the rows it describes.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		tenant_id              TEXT        NOT NULL,
		task_id                TEXT        NOT NULL,
		type                   TEXT        NOT NULL,
		status                 TEXT        NOT NULL,
		priority               INTEGER     NOT NULL DEFAULT 0,
		attempt                INTEGER     NOT NULL DEFAULT 0,
		max_attempts           INTEGER     NOT NULL,
		retry_backoff_seconds  INTEGER     NOT NULL,
		payload                JSONB,
		payload_pointer        TEXT,
		requirements           JSONB,
		created_by_kind        TEXT        NOT NULL,
		created_by_id          TEXT        NOT NULL,
		principal_ai           TEXT        NOT NULL,
		idempotency_key        TEXT,
		expected_outcome_kind  TEXT,
		expected_artifact_mime TEXT,
		owning_instance        TEXT        NOT NULL,
		next_eligible_at       TIMESTAMPTZ NOT NULL,
		started_at             TIMESTAMPTZ,
		result                 JSONB,
		created_at             TIMESTAMPTZ NOT NULL,
		updated_at             TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, task_id)
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS uq_task_idempotency
		ON tasks (tenant_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL`,

	// Claim ordering: priority desc, created_at asc within eligible rows.
	`CREATE INDEX IF NOT EXISTS idx_tasks_leasable
		ON tasks (tenant_id, status, next_eligible_at, priority, created_at)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_instance
		ON tasks (tenant_id, owning_instance)`,

	`CREATE TABLE IF NOT EXISTS leases (
		lease_id      TEXT        NOT NULL,
		tenant_id     TEXT        NOT NULL,
		task_id       TEXT        NOT NULL,
		worker_id     TEXT        NOT NULL,
		acquired_at   TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		renewal_count INTEGER     NOT NULL DEFAULT 0,
		PRIMARY KEY (lease_id)
	)`,

	// At most one live lease per task.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_lease_task
		ON leases (tenant_id, task_id)`,

	`CREATE INDEX IF NOT EXISTS idx_leases_expires
		ON leases (expires_at)`,

	`CREATE TABLE IF NOT EXISTS receipts (
		tenant_id      TEXT        NOT NULL,
		receipt_id     TEXT        NOT NULL,
		receipt_type   TEXT        NOT NULL,
		from_kind      TEXT        NOT NULL,
		from_id        TEXT        NOT NULL,
		to_kind        TEXT        NOT NULL,
		to_id          TEXT        NOT NULL,
		task_id        TEXT,
		lease_id       TEXT,
		schedule_id    TEXT,
		parents        JSONB       NOT NULL DEFAULT '[]'::jsonb,
		body           JSONB       NOT NULL DEFAULT '{}'::jsonb,
		hash           TEXT        NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		delivered_at   TIMESTAMPTZ,
		PRIMARY KEY (tenant_id, receipt_id)
	)`,

	// Hash is the sole equivalence relation for emissions.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_receipt_hash
		ON receipts (tenant_id, hash)`,

	`CREATE INDEX IF NOT EXISTS idx_receipts_to
		ON receipts (tenant_id, to_kind, to_id, created_at)`,

	`CREATE INDEX IF NOT EXISTS idx_receipts_task
		ON receipts (tenant_id, task_id, created_at)`,

	// Inverted index for the parents containment queries; default
	// jsonb_ops so ?| works as well as @>.
	`CREATE INDEX IF NOT EXISTS idx_receipts_parents
		ON receipts USING GIN (parents)`,

	`CREATE TABLE IF NOT EXISTS progress (
		tenant_id  TEXT        NOT NULL,
		task_id    TEXT        NOT NULL,
		worker_id  TEXT        NOT NULL,
		percent    INTEGER     NOT NULL DEFAULT 0,
		note       TEXT,
		detail     JSONB,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, task_id)
	)`,

	`CREATE TABLE IF NOT EXISTS relationships (
		tenant_id      TEXT        NOT NULL,
		principal_kind TEXT        NOT NULL,
		principal_id   TEXT        NOT NULL,
		first_seen_at  TIMESTAMPTZ NOT NULL,
		last_seen_at   TIMESTAMPTZ NOT NULL,
		session_count  INTEGER     NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, principal_kind, principal_id)
	)`,
}
