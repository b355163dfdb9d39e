/*
Package metrics exposes AsyncGate's Prometheus metrics.

All metrics are package-level collectors registered once at init. The
engine, ledger, sweeper, and API layers increment them directly;
Handler serves the standard /metrics scrape endpoint and Snapshot
flattens the registry for the get_metrics_snapshot system operation.

Counters are cheap and lock-free; no other in-process shared state
exists outside the database.
*/
package metrics
