package instance

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/asyncgate/asyncgate/pkg/config"
)

// weakIDs are generic defaults that defeat per-instance sweep
// partitioning. They are rejected outside development.
var weakIDs = map[string]bool{
	"asyncgate-1": true,
	"localhost":   true,
	"127.0.0.1":   true,
}

// Resolve determines the per-process instance id by probing environment
// signals in priority order. The id is fixed for process lifetime and
// written onto every task this process creates.
//
// Probe order: explicit override, Fly allocation id, Kubernetes pod
// name, ECS metadata, Cloud Run revision, hostname with a random
// suffix, pure random.
func Resolve(override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv("FLY_ALLOC_ID"); v != "" {
		return v
	}
	// Kubernetes pod names are hostname-shaped with generated suffixes.
	if v := os.Getenv("HOSTNAME"); v != "" && strings.Contains(v, "-") {
		return v
	}
	if v := os.Getenv("ECS_CONTAINER_METADATA_URI_V4"); v != "" {
		// The URI itself is unique per task; keep the tail.
		parts := strings.Split(strings.TrimRight(v, "/"), "/")
		return "ecs-" + parts[len(parts)-1]
	}
	if v := os.Getenv("K_REVISION"); v != "" {
		return v + "-" + randomSuffix(4)
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + randomSuffix(4)
	}
	return "asyncgate-" + randomSuffix(8)
}

// Validate rejects weak instance ids outside development. A weak id in
// staging or production means two processes could sweep each other's
// leases, so startup must fail hard.
func Validate(id, env string) error {
	if id == "" {
		return fmt.Errorf("instance id is empty")
	}
	if env == config.EnvDevelopment {
		return nil
	}
	if weakIDs[strings.ToLower(id)] {
		return fmt.Errorf("instance id %q is not unique enough for %s", id, env)
	}
	return nil
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable at startup
		panic(err)
	}
	return hex.EncodeToString(buf)
}
