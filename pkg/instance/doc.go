/*
Package instance derives the unique per-process instance id.

Multi-instance deployments partition lease-expiry work by the id of the
process that created each task. Resolve probes platform environment
signals (Fly, Kubernetes, ECS, Cloud Run) before falling back to
hostname plus a random suffix; Validate rejects generic ids such as
"localhost" in staging and production so two processes can never claim
the same sweep partition.
*/
package instance
