/*
Package types defines the core data structures used throughout AsyncGate.

This package contains all fundamental types that represent AsyncGate's domain
model: tasks, leases, receipts, progress, relationships, and principals. These
types are used by all other packages for state management, ledger operations,
and API communication.

# Core Types

Task dispatch:
  - Task: A tenant-scoped unit of work with a retry budget
  - TaskStatus: queued, leased, running, succeeded, failed, canceled
  - Lease: An exclusive, time-bounded claim on a task by a worker
  - LeaseGrant: The claim result handed to a worker
  - Progress: Last-writer-wins progress row, orthogonal to the state machine

Ledger:
  - Receipt: Immutable, append-only ledger entry with causal parents
  - ReceiptType: Closed set of receipt types (task.assigned, task.completed, ...)

Actors:
  - Principal: (kind, id) actor pair
  - PrincipalKind: agent, worker, service, system, human
  - Relationship: first/last seen observation per principal

# State Machine

Tasks follow a state machine:

	queued → leased → running → succeeded | failed | canceled
	         leased|running → queued   (fail-retry: attempt++,
	                                    lease expiry: attempt unchanged)

CanTransition is the single source of truth; any transition absent from
its table is rejected. Terminal states admit no transitions.

# Principals

External principal ids carry an "ext:" marker which NormalizeID strips.
The "sys:" and "svc:" prefixes are reserved for internal identities and
may not be used by external callers. ResolveOwner fixes the obligation
owner of a task once at creation: the normalized creator, or the
canonical system principal for system-created tasks.

# Thread Safety

All types are plain data. Mutations must be synchronized by callers; the
storage layer handles all synchronization for persisted state.
*/
package types
