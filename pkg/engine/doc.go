/*
Package engine implements the AsyncGate task state machine.

The engine is the single entry point for all task operations. Every
state change runs inside one transaction that also appends the
receipts describing it: a task never moves without its receipt, and a
receipt never survives a move that rolled back.

# Operations

Tasker side (agents posting work):

  - CreateTask: insert queued task + task.assigned receipt; idempotent
    by (tenant, idempotency_key)
  - GetTask / ListTasks: reads, with the progress row when present
  - CancelTask: owner-only (or internal) cancel + task.canceled
  - ListReceipts / AckReceipt / ListOpenObligations / Bootstrap

Taskee side (workers running work):

  - ClaimTasks: skip-locked claim + lease + task.accepted per grant
  - RenewLease: bounded by renewal count and wall-clock lifetime
  - StartTask / ReportProgress: leased → running + task.started,
    progress upsert + task.progress
  - Complete: succeeded + task.completed + task.result_ready in one
    savepoint
  - Fail: retry branch (requeue with backoff, attempt++,
    task.retry_scheduled) or terminal branch (failed + task.failed +
    task.result_ready), decided before the savepoint

System side:

  - ExpireLeasesTick: one sweep pass over this instance's expired
    leases; requeue without consuming an attempt + lease.expired
  - GetConfig / GetMetricsSnapshot

# Savepoint discipline

Lease validation happens in the outer transaction; the state change and
its receipts run in a nested savepoint. Any error rolls the savepoint
back whole and surfaces the original kind, so partial progress (a
succeeded task without its terminator, a released lease without a
requeue) is impossible.

# Collaborators

Clock and IDGen are injected; AuthResolver and TenantResolver are
implemented by the host (pkg/api provides the HTTP versions). The
engine never parses credentials and never calls time.Now.
*/
package engine
