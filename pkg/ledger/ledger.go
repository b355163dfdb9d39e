package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/pkg/config"
	"github.com/asyncgate/asyncgate/pkg/log"
	"github.com/asyncgate/asyncgate/pkg/metrics"
	"github.com/asyncgate/asyncgate/pkg/storage"
	"github.com/asyncgate/asyncgate/pkg/types"
)

var (
	// ErrIntegrityViolation covers hard-cap breaches (body size,
	// parents count, artifact count) and terminator receipts whose
	// parents are missing or empty.
	ErrIntegrityViolation = errors.New("integrity violation")
)

// Ledger creates and queries receipts. It owns the emission contract:
// canonical hashing, size caps, terminator invariants, the lenient
// locatability branch, and hash-based dedup.
type Ledger struct {
	store  storage.Store
	limits config.LimitsConfig
	now    func() time.Time
	newID  func() string
}

// New builds a Ledger over the given store. now and newID are injected
// so tests control time and ids.
func New(store storage.Store, limits config.LimitsConfig, now func() time.Time, newID func() string) *Ledger {
	return &Ledger{
		store:  store,
		limits: limits,
		now:    now,
		newID:  newID,
	}
}

// WithStore returns a Ledger bound to a different store handle, for use
// inside transactions.
func (l *Ledger) WithStore(store storage.Store) *Ledger {
	clone := *l
	clone.store = store
	return &clone
}

// EmitParams carries one emission call.
type EmitParams struct {
	TenantID   string
	Type       types.ReceiptType
	From       types.Principal
	To         types.Principal
	TaskID     string
	LeaseID    string
	ScheduleID string
	Parents    []string
	Body       map[string]any
}

// Emit appends a receipt per the emission contract. Emission is
// idempotent: a hash collision returns the existing row.
func (l *Ledger) Emit(ctx context.Context, p EmitParams) (*types.Receipt, error) {
	if err := l.checkLimits(p); err != nil {
		return nil, err
	}

	parents := p.Parents
	anomaly := false

	if p.Type == types.ReceiptTaskCompleted && !hasLocatableEvidence(p.Body) {
		// Lenient branch: store the receipt with no parents so the
		// obligation stays open, and flag the anomaly. A stricter mode
		// would reject outright.
		parents = []string{}
		anomaly = true
		metrics.ReceiptAnomalies.Inc()
		logger := log.WithTaskID(p.TaskID)
		logger.Warn().
			Str("tenant_id", p.TenantID).
			Msg("success receipt without artifacts or delivery_proof; obligation stays open")
	} else if IsTerminatorType(p.Type) {
		if len(parents) == 0 {
			return nil, fmt.Errorf("%w: terminator %s requires parents", ErrIntegrityViolation, p.Type)
		}
		exist, err := l.store.ReceiptsExist(ctx, p.TenantID, parents)
		if err != nil {
			return nil, err
		}
		for _, id := range parents {
			if !exist[id] {
				return nil, fmt.Errorf("%w: parent receipt %s not found", ErrIntegrityViolation, id)
			}
		}
	}

	bodyHash, err := BodyHash(p.Body)
	if err != nil {
		return nil, err
	}
	hash, err := ReceiptHash(p.Type, p.TaskID, p.LeaseID, p.From, p.To, parents, bodyHash)
	if err != nil {
		return nil, err
	}

	receipt := &types.Receipt{
		SchemaVersion: types.ReceiptSchemaVersion,
		TenantID:      p.TenantID,
		ReceiptID:     l.newID(),
		ReceiptType:   p.Type,
		From:          p.From,
		To:            p.To,
		TaskID:        p.TaskID,
		LeaseID:       p.LeaseID,
		ScheduleID:    p.ScheduleID,
		Parents:       parents,
		Body:          p.Body,
		Hash:          hash,
		CreatedAt:     l.now(),
	}

	stored, inserted, err := l.store.InsertReceipt(ctx, receipt)
	if err != nil {
		return nil, err
	}
	if !inserted {
		metrics.ReceiptDedupHits.Inc()
		return stored, nil
	}
	metrics.ReceiptsEmitted.WithLabelValues(string(p.Type)).Inc()

	if anomaly {
		if _, err := l.Emit(ctx, EmitParams{
			TenantID: p.TenantID,
			Type:     types.ReceiptSystemAnomaly,
			From:     types.ServicePrincipal(),
			To:       p.To,
			TaskID:   p.TaskID,
			Parents:  []string{stored.ReceiptID},
			Body: map[string]any{
				"reason":     "success_without_locatability",
				"receipt_id": stored.ReceiptID,
			},
		}); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

func (l *Ledger) checkLimits(p EmitParams) error {
	if len(p.Parents) > l.limits.ParentsMax {
		return fmt.Errorf("%w: %d parents exceeds cap %d", ErrIntegrityViolation, len(p.Parents), l.limits.ParentsMax)
	}
	if p.Body != nil {
		data, err := json.Marshal(p.Body)
		if err != nil {
			return fmt.Errorf("serialize body: %w", err)
		}
		if len(data) > l.limits.BodyMaxBytes {
			return fmt.Errorf("%w: body %d bytes exceeds cap %d", ErrIntegrityViolation, len(data), l.limits.BodyMaxBytes)
		}
		if artifacts, ok := p.Body["artifacts"].([]any); ok && len(artifacts) > l.limits.ArtifactsMax {
			return fmt.Errorf("%w: %d artifacts exceeds cap %d", ErrIntegrityViolation, len(artifacts), l.limits.ArtifactsMax)
		}
	}
	return nil
}

// hasLocatableEvidence reports whether a success body carries concrete
// artifact pointers or a delivery proof.
func hasLocatableEvidence(body map[string]any) bool {
	if body == nil {
		return false
	}
	if artifacts, ok := body["artifacts"].([]any); ok && len(artifacts) > 0 {
		return true
	}
	if artifacts, ok := body["artifacts"].([]map[string]any); ok && len(artifacts) > 0 {
		return true
	}
	if proof, ok := body["delivery_proof"]; ok && proof != nil {
		return true
	}
	return false
}
