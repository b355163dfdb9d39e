/*
Package sweeper runs the background lease-expiry loop.

Each instance sweeps only the tasks it owns, so instances sharing a
database never fight over the same expired leases. The tick interval is
jittered to spread database load; the per-lease work (requeue without
consuming an attempt, lease.expired receipt, optional escalation) lives
in the engine.
*/
package sweeper
