package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/ledger"
	"github.com/asyncgate/asyncgate/pkg/storage"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps domain error kinds to HTTP statuses. Lease problems
// are 410 so workers know to re-claim rather than retry the call.
func writeError(c *gin.Context, err error) {
	var (
		transition *engine.InvalidStateTransitionError
		renewal    *engine.LeaseRenewalLimitError
		lifetime   *engine.LeaseLifetimeError
	)
	switch {
	case errors.Is(err, engine.ErrValidation):
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
	case errors.Is(err, engine.ErrUnauthorized):
		c.JSON(http.StatusForbidden, errorBody{Error: err.Error(), Kind: "unauthorized"})
	case errors.Is(err, engine.ErrTaskNotFound), errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error(), Kind: "not_found"})
	case errors.Is(err, engine.ErrLeaseInvalidOrExpired):
		c.JSON(http.StatusGone, errorBody{Error: err.Error(), Kind: "lease_invalid_or_expired"})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error(), Kind: "invalid_state_transition"})
	case errors.As(err, &renewal):
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Kind: "lease_renewal_limit"})
	case errors.As(err, &lifetime):
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Kind: "lease_lifetime_exceeded"})
	case errors.Is(err, ledger.ErrIntegrityViolation):
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Kind: "ledger_integrity"})
	default:
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error", Kind: "internal"})
	}
}
