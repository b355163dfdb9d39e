/*
Package ledger implements AsyncGate's append-only receipt ledger.

Every state change in the system produces an immutable receipt. Receipts
form a causal chain through their parents field: a task's task.assigned
receipt opens an obligation that persists until a terminator receipt
(task.completed, task.failed, or task.canceled) cites it. An agent's
outstanding work is exactly the set of obligations with no terminator.

# Emission contract

Emit enforces, in order:

 1. Hard caps: body ≤ 64 KiB serialized, ≤ 10 parents, ≤ 100 artifacts.
 2. Terminator invariants: terminators carry at least one parent, and
    every parent must exist under the same tenant.
 3. Locatability leniency: a task.completed body with neither artifacts
    nor delivery_proof is stored with parents=[] so the obligation stays
    open, and a system.anomaly receipt is appended citing it.
 4. Canonical hashing: SHA-256 over a deterministic serialization of
    {type, task_id, lease_id, from, to, sorted parents, body hash}.
    Two emissions that differ only in parents hash differently; parent
    permutations hash identically.
 5. Dedup: (tenant, hash) is unique; re-emitting returns the existing
    row. Hashing is the sole equivalence relation.

# Termination

terminationRules is the static obligation → terminators table. A
receipt T terminates obligation O iff T's type is registered for O's
type, O's id appears in T.parents, and both share a tenant. Checking is
purely a database query over the inverted parents index.

# Bootstrap

ListOpenObligations is the bootstrap primitive: select obligation
candidates addressed to a principal, then one batch containment query
marks the closed ones. Two queries per page, never N+1.
*/
package ledger
