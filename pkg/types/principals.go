package types

import "strings"

const (
	// SystemPrincipalID is the canonical system identity. Tasks created
	// by it are system-owned.
	SystemPrincipalID = "sys:legivellum"

	// ServicePrincipalID is AsyncGate's own identity; it is the emitter
	// of task.assigned, task.result_ready, and lease.expired receipts.
	ServicePrincipalID = "svc:asyncgate"

	externalPrefix = "ext:"
)

// internalPrefixes are reserved; external callers may not mint
// principal ids under them.
var internalPrefixes = []string{"sys:", "svc:"}

// SystemPrincipal returns the canonical system principal.
func SystemPrincipal() Principal {
	return Principal{Kind: PrincipalKindSystem, ID: SystemPrincipalID}
}

// ServicePrincipal returns AsyncGate's own principal.
func ServicePrincipal() Principal {
	return Principal{Kind: PrincipalKindService, ID: ServicePrincipalID}
}

// NormalizeID strips the external prefix marker from a principal id.
// Internal ids pass through unchanged.
func NormalizeID(id string) string {
	return strings.TrimPrefix(id, externalPrefix)
}

// IsInternalID reports whether id uses a reserved internal prefix.
func IsInternalID(id string) bool {
	for _, p := range internalPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// ResolveOwner resolves the obligation owner for a task at creation
// time: the normalized creator, unless the creator is the canonical
// system id, in which case the system principal owns the obligation.
// The result is recorded on the task.assigned receipt and never
// re-derived afterwards.
func ResolveOwner(createdBy Principal) Principal {
	id := NormalizeID(createdBy.ID)
	if id == SystemPrincipalID {
		return SystemPrincipal()
	}
	return Principal{Kind: createdBy.Kind, ID: id}
}
