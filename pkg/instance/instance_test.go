package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/asyncgate/asyncgate/pkg/config"
)

func TestResolveOverrideWins(t *testing.T) {
	t.Setenv("FLY_ALLOC_ID", "fly-123")
	assert.Equal(t, "explicit-id", Resolve("explicit-id"))
}

func TestResolveFlyAllocID(t *testing.T) {
	t.Setenv("FLY_ALLOC_ID", "0e286931-b098-4a39")
	assert.Equal(t, "0e286931-b098-4a39", Resolve(""))
}

func TestResolveKubernetesHostname(t *testing.T) {
	t.Setenv("FLY_ALLOC_ID", "")
	t.Setenv("HOSTNAME", "asyncgate-7d9f6c-xk2pq")
	assert.Equal(t, "asyncgate-7d9f6c-xk2pq", Resolve(""))
}

func TestResolveAlwaysNonEmpty(t *testing.T) {
	t.Setenv("FLY_ALLOC_ID", "")
	t.Setenv("HOSTNAME", "")
	t.Setenv("ECS_CONTAINER_METADATA_URI_V4", "")
	t.Setenv("K_REVISION", "")
	assert.NotEmpty(t, Resolve(""))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		env     string
		wantErr bool
	}{
		{"weak id in dev ok", "localhost", config.EnvDevelopment, false},
		{"weak id in staging rejected", "localhost", config.EnvStaging, true},
		{"default id in prod rejected", "asyncgate-1", config.EnvProduction, true},
		{"strong id in prod ok", "asyncgate-7d9f6c-xk2pq", config.EnvProduction, false},
		{"empty id rejected", "", config.EnvDevelopment, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.id, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
