package ledger

import (
	"context"

	"github.com/asyncgate/asyncgate/pkg/metrics"
	"github.com/asyncgate/asyncgate/pkg/storage"
	"github.com/asyncgate/asyncgate/pkg/types"
)

// maxCandidateFetch bounds the candidate over-select of the
// open-obligations query.
const maxCandidateFetch = 1000

// OpenObligationsPage is the result of one bootstrap query.
type OpenObligationsPage struct {
	Receipts []*types.Receipt
	// Cursor is set when the page filled; pass it back as sinceID.
	Cursor string
}

// ListOpenObligations returns obligation receipts addressed to the
// principal with no registered terminator citing them. Exactly two
// queries regardless of page size: one candidate select plus one batch
// containment check per obligation type present (one today).
func (l *Ledger) ListOpenObligations(ctx context.Context, tenantID string,
	to types.Principal, sinceID string, limit int) (*OpenObligationsPage, error) {

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OpenObligationQueryDuration)

	fetch := limit * 3
	if fetch > maxCandidateFetch {
		fetch = maxCandidateFetch
	}

	candidates, err := l.store.ListReceipts(ctx, tenantID, storage.ReceiptFilter{
		ToKind:  to.Kind,
		ToID:    to.ID,
		Types:   ObligationTypes(),
		SinceID: sinceID,
		Limit:   fetch,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &OpenObligationsPage{}, nil
	}

	// Batch terminator check per obligation type: a candidate is closed
	// iff some receipt of a registered terminator type cites it.
	byType := map[types.ReceiptType][]string{}
	for _, c := range candidates {
		byType[c.ReceiptType] = append(byType[c.ReceiptType], c.ReceiptID)
	}
	terminated := map[string]bool{}
	for obType, ids := range byType {
		closed, err := l.store.ChildrenExist(ctx, tenantID, ids, TerminatorsFor(obType))
		if err != nil {
			return nil, err
		}
		for id := range closed {
			terminated[id] = true
		}
	}

	page := &OpenObligationsPage{}
	for _, c := range candidates {
		if terminated[c.ReceiptID] {
			continue
		}
		page.Receipts = append(page.Receipts, c)
		if len(page.Receipts) >= limit {
			break
		}
	}
	if len(page.Receipts) == limit {
		page.Cursor = page.Receipts[len(page.Receipts)-1].ReceiptID
	}
	return page, nil
}

// GetTerminators returns the terminator receipts citing the given
// obligation, ordered by created_at asc.
func (l *Ledger) GetTerminators(ctx context.Context, tenantID, parentID string) ([]*types.Receipt, error) {
	parent, err := l.store.GetReceipt(ctx, tenantID, parentID)
	if err != nil {
		return nil, err
	}
	terms := TerminatorsFor(parent.ReceiptType)
	if len(terms) == 0 {
		return nil, nil
	}
	return l.store.GetChildren(ctx, tenantID, parentID, terms)
}

// HasTerminator reports whether any terminator cites the obligation.
// Existence only; one indexed containment probe.
func (l *Ledger) HasTerminator(ctx context.Context, tenantID, parentID string) (bool, error) {
	parent, err := l.store.GetReceipt(ctx, tenantID, parentID)
	if err != nil {
		return false, err
	}
	terms := TerminatorsFor(parent.ReceiptType)
	if len(terms) == 0 {
		return false, nil
	}
	closed, err := l.store.ChildrenExist(ctx, tenantID, []string{parentID}, terms)
	if err != nil {
		return false, err
	}
	return closed[parentID], nil
}

// LatestTerminator returns the canonical terminator of an obligation:
// the one with the greatest created_at. The ledger permits several
// terminators per obligation (duplicate completions from retries);
// latest wins for payload.
func (l *Ledger) LatestTerminator(ctx context.Context, tenantID, parentID string) (*types.Receipt, error) {
	terms, err := l.GetTerminators(ctx, tenantID, parentID)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return nil, storage.ErrNotFound
	}
	return terms[len(terms)-1], nil
}

// AssignedReceipt fetches the task.assigned receipt for a task. Every
// downstream receipt for the task cites it and addresses its To
// principal, the obligation owner resolved at create time.
func (l *Ledger) AssignedReceipt(ctx context.Context, tenantID, taskID string) (*types.Receipt, error) {
	receipts, err := l.store.ListReceipts(ctx, tenantID, storage.ReceiptFilter{
		TaskID: taskID,
		Types:  []types.ReceiptType{types.ReceiptTaskAssigned},
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return nil, storage.ErrNotFound
	}
	return receipts[0], nil
}
