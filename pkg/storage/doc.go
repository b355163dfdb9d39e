/*
Package storage provides the transactional persistence layer for
AsyncGate: tasks, leases, receipts, progress, and relationships.

# Implementations

Two implementations satisfy the Store interface:

  - Postgres: the production store, built on pgx/v5 with a pgxpool.
    Claims use FOR UPDATE SKIP LOCKED so concurrent claim calls never
    contend for the same candidate rows; receipt parent queries use a
    GIN index over the JSONB parents array; idempotency and dedup
    collisions are absorbed with ON CONFLICT DO NOTHING plus a
    read-back of the existing row.
  - Memory: an in-memory store for tests and --dev mode, with the same
    semantics including transactional rollback.

# Transactions

InTx runs a function inside a transaction. Nested calls open savepoints
(pgx maps nested Begin onto SAVEPOINT/RELEASE), so an engine operation
can roll back a state-change-plus-receipt bracket without losing the
outer lease validation. The claim row locks are held until the outermost
transaction commits.

# Constraints

The schema enforces the uniqueness invariants the engine relies on:

  - (tenant_id, idempotency_key) on tasks, partial on key presence
  - (tenant_id, task_id) on leases: at most one worker per task
  - (tenant_id, hash) on receipts: emission dedup

Receipts carry no foreign keys to tasks or leases: the ledger is
append-only and outlives the rows it describes.

# Clock discipline

Storage never calls time.Now. Every mutation takes explicit timestamps
from the caller so the engine's injected clock is authoritative, and so
tests can drive time deterministically.
*/
package storage
