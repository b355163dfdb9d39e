package ledger

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncgate/asyncgate/pkg/config"
	"github.com/asyncgate/asyncgate/pkg/log"
	"github.com/asyncgate/asyncgate/pkg/storage"
	"github.com/asyncgate/asyncgate/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *Ledger
	store  *storage.Memory
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), now: testBase}
	n := 0
	f.ledger = New(f.store, config.Default().Limits,
		func() time.Time { return f.now },
		func() string { n++; return fmt.Sprintf("rcpt-%d", n) })
	return f
}

func (f *fixture) emitAssigned(t *testing.T, taskID string) *types.Receipt {
	t.Helper()
	r, err := f.ledger.Emit(context.Background(), EmitParams{
		TenantID: "t1",
		Type:     types.ReceiptTaskAssigned,
		From:     types.ServicePrincipal(),
		To:       types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"},
		TaskID:   taskID,
		Body:     map[string]any{"instructions": "do " + taskID},
	})
	require.NoError(t, err)
	return r
}

func TestEmitDedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := EmitParams{
		TenantID: "t1",
		Type:     types.ReceiptTaskProgress,
		From:     types.Principal{Kind: types.PrincipalKindWorker, ID: "w1"},
		To:       types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"},
		TaskID:   "task-1",
		Body:     map[string]any{"percent": 50},
	}
	first, err := f.ledger.Emit(ctx, p)
	require.NoError(t, err)
	second, err := f.ledger.Emit(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first.ReceiptID, second.ReceiptID)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestHashSensitiveToParents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p1 := f.emitAssigned(t, "task-1")
	p2 := f.emitAssigned(t, "task-2")

	body := map[string]any{
		"result_summary": "ok",
		"artifacts":      []any{map[string]any{"type": "t", "uri": "u"}},
	}
	base := EmitParams{
		TenantID: "t1",
		Type:     types.ReceiptTaskCompleted,
		From:     types.Principal{Kind: types.PrincipalKindWorker, ID: "w1"},
		To:       types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"},
		Body:     body,
	}

	a := base
	a.Parents = []string{p1.ReceiptID}
	first, err := f.ledger.Emit(ctx, a)
	require.NoError(t, err)

	b := base
	b.Parents = []string{p2.ReceiptID}
	second, err := f.ledger.Emit(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, first.ReceiptID, second.ReceiptID)
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestHashIgnoresParentOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p1 := f.emitAssigned(t, "task-1")
	p2 := f.emitAssigned(t, "task-2")

	mk := func(parents []string) EmitParams {
		return EmitParams{
			TenantID: "t1",
			Type:     types.ReceiptAcknowledged,
			From:     types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"},
			To:       types.ServicePrincipal(),
			Parents:  parents,
		}
	}
	first, err := f.ledger.Emit(ctx, mk([]string{p1.ReceiptID, p2.ReceiptID}))
	require.NoError(t, err)
	second, err := f.ledger.Emit(ctx, mk([]string{p2.ReceiptID, p1.ReceiptID}))
	require.NoError(t, err)

	assert.Equal(t, first.ReceiptID, second.ReceiptID)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestTerminatorRequiresExistingParents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := EmitParams{
		TenantID: "t1",
		Type:     types.ReceiptTaskFailed,
		From:     types.Principal{Kind: types.PrincipalKindWorker, ID: "w1"},
		To:       types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"},
		Body:     map[string]any{"error": "x"},
	}
	_, err := f.ledger.Emit(ctx, p)
	assert.ErrorIs(t, err, ErrIntegrityViolation)

	p.Parents = []string{"no-such-receipt"}
	_, err = f.ledger.Emit(ctx, p)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestCompletedWithoutEvidenceKeepsObligationOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assigned := f.emitAssigned(t, "task-1")
	owner := types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"}

	completed, err := f.ledger.Emit(ctx, EmitParams{
		TenantID: "t1",
		Type:     types.ReceiptTaskCompleted,
		From:     types.Principal{Kind: types.PrincipalKindWorker, ID: "w1"},
		To:       owner,
		TaskID:   "task-1",
		Parents:  []string{assigned.ReceiptID},
		Body:     map[string]any{"result_summary": "done, trust me"},
	})
	require.NoError(t, err)
	assert.Empty(t, completed.Parents, "lenient branch strips parents")

	// The obligation stays open and an anomaly cites the bad receipt.
	page, err := f.ledger.ListOpenObligations(ctx, "t1", owner, "", 50)
	require.NoError(t, err)
	require.Len(t, page.Receipts, 1)
	assert.Equal(t, assigned.ReceiptID, page.Receipts[0].ReceiptID)

	anomalies, err := f.store.GetChildren(ctx, "t1", completed.ReceiptID,
		[]types.ReceiptType{types.ReceiptSystemAnomaly})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "success_without_locatability", anomalies[0].Body["reason"])
}

func TestEmitCaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parents := make([]string, 11)
	for i := range parents {
		parents[i] = fmt.Sprintf("p-%d", i)
	}
	_, err := f.ledger.Emit(ctx, EmitParams{
		TenantID: "t1",
		Type:     types.ReceiptTaskProgress,
		From:     types.Principal{Kind: types.PrincipalKindWorker, ID: "w1"},
		To:       types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"},
		Parents:  parents,
	})
	assert.ErrorIs(t, err, ErrIntegrityViolation)

	_, err = f.ledger.Emit(ctx, EmitParams{
		TenantID: "t1",
		Type:     types.ReceiptTaskProgress,
		From:     types.Principal{Kind: types.PrincipalKindWorker, ID: "w1"},
		To:       types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"},
		Body:     map[string]any{"blob": strings.Repeat("x", 64*1024+1)},
	})
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestBodyAtCapAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// {"blob":"..."}: pad the value so the serialized body is exactly
	// 64 KiB.
	overhead := len(`{"blob":""}`)
	body := map[string]any{"blob": strings.Repeat("x", 64*1024-overhead)}
	_, err := f.ledger.Emit(ctx, EmitParams{
		TenantID: "t1",
		Type:     types.ReceiptTaskProgress,
		From:     types.Principal{Kind: types.PrincipalKindWorker, ID: "w1"},
		To:       types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"},
		Body:     body,
	})
	assert.NoError(t, err)
}

func TestListOpenObligations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"}

	open := f.emitAssigned(t, "task-open")
	closed := f.emitAssigned(t, "task-closed")

	f.now = f.now.Add(time.Second)
	_, err := f.ledger.Emit(ctx, EmitParams{
		TenantID: "t1",
		Type:     types.ReceiptTaskCompleted,
		From:     types.Principal{Kind: types.PrincipalKindWorker, ID: "w1"},
		To:       owner,
		TaskID:   "task-closed",
		Parents:  []string{closed.ReceiptID},
		Body: map[string]any{
			"result_summary": "ok",
			"artifacts":      []any{map[string]any{"type": "s3", "url": "s3://b/k"}},
		},
	})
	require.NoError(t, err)

	page, err := f.ledger.ListOpenObligations(ctx, "t1", owner, "", 50)
	require.NoError(t, err)
	require.Len(t, page.Receipts, 1)
	assert.Equal(t, open.ReceiptID, page.Receipts[0].ReceiptID)
	assert.Empty(t, page.Cursor)
}

func TestListOpenObligationsPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"}

	var ids []string
	for i := 0; i < 5; i++ {
		f.now = testBase.Add(time.Duration(i) * time.Second)
		r := f.emitAssigned(t, fmt.Sprintf("task-%d", i))
		ids = append(ids, r.ReceiptID)
	}

	page, err := f.ledger.ListOpenObligations(ctx, "t1", owner, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Receipts, 2)
	assert.Equal(t, ids[0], page.Receipts[0].ReceiptID)
	assert.Equal(t, ids[1], page.Cursor)

	page, err = f.ledger.ListOpenObligations(ctx, "t1", owner, page.Cursor, 50)
	require.NoError(t, err)
	require.Len(t, page.Receipts, 3)
	assert.Equal(t, ids[2], page.Receipts[0].ReceiptID)
	assert.Empty(t, page.Cursor)
}

func TestTerminatorHelpers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := types.Principal{Kind: types.PrincipalKindAgent, ID: "a1"}
	worker := types.Principal{Kind: types.PrincipalKindWorker, ID: "w1"}

	assigned := f.emitAssigned(t, "task-1")

	has, err := f.ledger.HasTerminator(ctx, "t1", assigned.ReceiptID)
	require.NoError(t, err)
	assert.False(t, has)

	f.now = f.now.Add(time.Second)
	_, err = f.ledger.Emit(ctx, EmitParams{
		TenantID: "t1", Type: types.ReceiptTaskFailed, From: worker, To: owner,
		TaskID: "task-1", Parents: []string{assigned.ReceiptID},
		Body: map[string]any{"error": "first"},
	})
	require.NoError(t, err)

	f.now = f.now.Add(time.Second)
	latest, err := f.ledger.Emit(ctx, EmitParams{
		TenantID: "t1", Type: types.ReceiptTaskFailed, From: worker, To: owner,
		TaskID: "task-1", Parents: []string{assigned.ReceiptID},
		Body: map[string]any{"error": "second"},
	})
	require.NoError(t, err)

	has, err = f.ledger.HasTerminator(ctx, "t1", assigned.ReceiptID)
	require.NoError(t, err)
	assert.True(t, has)

	terms, err := f.ledger.GetTerminators(ctx, "t1", assigned.ReceiptID)
	require.NoError(t, err)
	assert.Len(t, terms, 2)

	canonical, err := f.ledger.LatestTerminator(ctx, "t1", assigned.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, latest.ReceiptID, canonical.ReceiptID)
}

func TestRules(t *testing.T) {
	assert.True(t, IsObligationType(types.ReceiptTaskAssigned))
	assert.False(t, IsObligationType(types.ReceiptTaskCompleted))

	assert.True(t, IsTerminatorType(types.ReceiptTaskCompleted))
	assert.True(t, IsTerminatorType(types.ReceiptTaskFailed))
	assert.True(t, IsTerminatorType(types.ReceiptTaskCanceled))
	assert.False(t, IsTerminatorType(types.ReceiptTaskProgress))
	assert.False(t, IsTerminatorType(types.ReceiptTaskRetryScheduled))

	assert.True(t, CanTerminate(types.ReceiptTaskCompleted, types.ReceiptTaskAssigned))
	assert.False(t, CanTerminate(types.ReceiptTaskProgress, types.ReceiptTaskAssigned))
}
