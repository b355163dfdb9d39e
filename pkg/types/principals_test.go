package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, "alice", NormalizeID("ext:alice"))
	assert.Equal(t, "alice", NormalizeID("alice"))
	assert.Equal(t, SystemPrincipalID, NormalizeID(SystemPrincipalID))
}

func TestIsInternalID(t *testing.T) {
	assert.True(t, IsInternalID("sys:legivellum"))
	assert.True(t, IsInternalID("svc:asyncgate"))
	assert.False(t, IsInternalID("ext:alice"))
	assert.False(t, IsInternalID("alice"))
}

func TestResolveOwner(t *testing.T) {
	// External creator: normalized id, kind preserved.
	owner := ResolveOwner(Principal{Kind: PrincipalKindAgent, ID: "ext:a1"})
	assert.Equal(t, Principal{Kind: PrincipalKindAgent, ID: "a1"}, owner)

	// System creator: the canonical system principal owns the obligation.
	owner = ResolveOwner(Principal{Kind: PrincipalKindAgent, ID: SystemPrincipalID})
	assert.Equal(t, SystemPrincipal(), owner)
}
