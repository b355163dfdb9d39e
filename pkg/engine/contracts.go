package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/asyncgate/asyncgate/pkg/types"
)

// Clock supplies the current time. Injected so tests drive time
// deterministically; the engine never calls time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// IDGen mints unique ids for tasks, leases, and receipts.
type IDGen interface {
	NewID() string
}

// UUIDGen is the production IDGen.
type UUIDGen struct{}

func (UUIDGen) NewID() string {
	return uuid.NewString()
}

// Caller is the resolved identity of an incoming request.
type Caller struct {
	Principal  types.Principal
	IsInternal bool
}

// AuthResolver turns request credentials into a Caller. Implemented by
// the host; the core never parses tokens.
type AuthResolver interface {
	Resolve(ctx context.Context, credentials string) (Caller, error)
}

// TenantResolver turns a request hint into a tenant id, or fails.
type TenantResolver interface {
	Resolve(ctx context.Context, hint string) (string, error)
}
