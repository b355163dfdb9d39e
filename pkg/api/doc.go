/*
Package api is the HTTP surface over the engine.

Identity arrives in headers: X-API-Key marks internal callers,
X-Principal-Kind and X-Principal-ID name the acting principal, and
X-Tenant-ID selects the tenant. The resolvers behind those headers are
the engine's AuthResolver and TenantResolver contracts, so deployments
behind a gateway can swap them without touching handlers.

Handlers translate between JSON and engine params and map domain error
kinds to statuses; no business logic lives here.
*/
package api
