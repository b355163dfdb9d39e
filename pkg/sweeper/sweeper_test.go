package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncgate/asyncgate/pkg/config"
	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/log"
	"github.com/asyncgate/asyncgate/pkg/storage"
	"github.com/asyncgate/asyncgate/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() string {
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

func newEngine(t *testing.T, clock *fakeClock) (*engine.Engine, *storage.Memory, *config.Config) {
	t.Helper()
	cfg := config.Default()
	store := storage.NewMemory()
	eng := engine.New(store, cfg, clock, &seqIDs{}, "inst-a")
	eng.Rand = func() float64 { return 0 }
	return eng, store, cfg
}

func leaseExpiredTask(t *testing.T, eng *engine.Engine, clock *fakeClock) *types.Task {
	t.Helper()
	ctx := context.Background()
	caller := engine.Caller{Principal: types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"}}
	task, err := eng.CreateTask(ctx, caller, engine.CreateTaskParams{
		TenantID:    "t1",
		Type:        "t.demo",
		CreatedBy:   caller.Principal,
		PrincipalAI: "A1",
	})
	require.NoError(t, err)
	grants, err := eng.ClaimTasks(ctx, engine.ClaimParams{
		TenantID: "t1", WorkerID: "w1", MaxTasks: 1, LeaseTTL: time.Second,
	})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	clock.t = clock.t.Add(time.Minute)
	return task
}

func TestTickExpiresLeases(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng, store, cfg := newEngine(t, clock)
	task := leaseExpiredTask(t, eng, clock)

	s := New(eng, cfg.Sweep)
	s.Tick(context.Background())

	got, err := store.GetTask(context.Background(), "t1", task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempt)
}

func TestLoopTicks(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng, store, cfg := newEngine(t, clock)
	task := leaseExpiredTask(t, eng, clock)

	sweep := cfg.Sweep
	sweep.IntervalSeconds = 1
	sweep.IntervalJitter = 0
	s := New(eng, sweep)

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for {
		got, err := store.GetTask(context.Background(), "t1", task.TaskID)
		require.NoError(t, err)
		if got.Status == types.TaskStatusQueued {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task never requeued, status=%s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng, _, cfg := newEngine(t, clock)

	s := New(eng, cfg.Sweep)
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestNextIntervalJitterBounds(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng, _, cfg := newEngine(t, clock)

	s := New(eng, cfg.Sweep)
	base := cfg.Sweep.Interval()
	j := cfg.Sweep.IntervalJitter

	s.Rand = func() float64 { return 0 }
	assert.Equal(t, time.Duration((1-j)*float64(base)), s.nextInterval())

	s.Rand = func() float64 { return 1 }
	assert.Equal(t, time.Duration((1+j)*float64(base)), s.nextInterval())
}
