package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/types"
)

// Request headers carrying identity.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderTenantID      = "X-Tenant-ID"
	HeaderPrincipalKind = "X-Principal-Kind"
	HeaderPrincipalID   = "X-Principal-ID"
)

// APIKeyAuthResolver resolves callers from headers. A matching API key
// marks the caller internal; internal callers may act as any principal,
// external callers are barred from the reserved sys:/svc: prefixes.
type APIKeyAuthResolver struct {
	// APIKey is the shared internal key. Empty means no caller can be
	// internal (development without a key still serves external
	// traffic).
	APIKey string
}

// credentials format: "<api-key>|<kind>|<id>". The server assembles it
// from headers; Resolve never touches the request directly.
func (r *APIKeyAuthResolver) Resolve(_ context.Context, credentials string) (engine.Caller, error) {
	parts := strings.SplitN(credentials, "|", 3)
	if len(parts) != 3 {
		return engine.Caller{}, fmt.Errorf("%w: malformed credentials", engine.ErrValidation)
	}
	key, kind, id := parts[0], parts[1], parts[2]

	internal := r.APIKey != "" && key == r.APIKey

	if kind == "" && id == "" {
		if !internal {
			return engine.Caller{}, fmt.Errorf("%w: missing principal headers", engine.ErrUnauthorized)
		}
		// Internal callers default to the service identity.
		return engine.Caller{Principal: types.ServicePrincipal(), IsInternal: true}, nil
	}

	principal := types.Principal{Kind: types.PrincipalKind(kind), ID: id}
	switch principal.Kind {
	case types.PrincipalKindAgent, types.PrincipalKindWorker, types.PrincipalKindHuman:
	case types.PrincipalKindService, types.PrincipalKindSystem:
		if !internal {
			return engine.Caller{}, fmt.Errorf("%w: reserved principal kind", engine.ErrUnauthorized)
		}
	default:
		return engine.Caller{}, fmt.Errorf("%w: unknown principal kind %q", engine.ErrValidation, kind)
	}
	if types.IsInternalID(id) && !internal {
		return engine.Caller{}, fmt.Errorf("%w: reserved principal prefix", engine.ErrUnauthorized)
	}
	return engine.Caller{Principal: principal, IsInternal: internal}, nil
}

// HeaderTenantResolver accepts the X-Tenant-ID header verbatim. A
// multi-tenant deployment fronted by a gateway swaps in its own
// resolver.
type HeaderTenantResolver struct{}

func (HeaderTenantResolver) Resolve(_ context.Context, hint string) (string, error) {
	if hint == "" {
		return "", fmt.Errorf("%w: %s header is required", engine.ErrValidation, HeaderTenantID)
	}
	return hint, nil
}
