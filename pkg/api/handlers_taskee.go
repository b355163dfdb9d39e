package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/types"
)

// workerID returns the caller's id when it is a worker principal.
func workerID(c *gin.Context) (string, bool) {
	p := caller(c).Principal
	if p.Kind != types.PrincipalKindWorker {
		return "", false
	}
	return p.ID, true
}

type claimRequest struct {
	Capabilities    []string `json:"capabilities"`
	AcceptTypes     []string `json:"accept_types"`
	MaxTasks        int      `json:"max_tasks"`
	LeaseTTLSeconds int      `json:"lease_ttl_seconds"`
}

func (s *Server) claimTasks(c *gin.Context) {
	wid, ok := workerID(c)
	if !ok {
		writeError(c, engine.ErrUnauthorized)
		return
	}
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
		return
	}
	grants, err := s.engine.ClaimTasks(c.Request.Context(), engine.ClaimParams{
		TenantID:     tenant(c),
		WorkerID:     wid,
		Capabilities: req.Capabilities,
		AcceptTypes:  req.AcceptTypes,
		MaxTasks:     req.MaxTasks,
		LeaseTTL:     time.Duration(req.LeaseTTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if grants == nil {
		grants = []types.LeaseGrant{}
	}
	c.JSON(http.StatusOK, gin.H{"grants": grants})
}

type renewRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (s *Server) renewLease(c *gin.Context) {
	wid, ok := workerID(c)
	if !ok {
		writeError(c, engine.ErrUnauthorized)
		return
	}
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
		return
	}
	lease, err := s.engine.RenewLease(c.Request.Context(), tenant(c), c.Param("id"), wid,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lease": lease})
}

func (s *Server) startTask(c *gin.Context) {
	wid, ok := workerID(c)
	if !ok {
		writeError(c, engine.ErrUnauthorized)
		return
	}
	task, err := s.engine.StartTask(c.Request.Context(), tenant(c), c.Param("id"), wid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

type progressRequest struct {
	Percent int            `json:"percent"`
	Note    string         `json:"note"`
	Detail  map[string]any `json:"detail"`
}

func (s *Server) reportProgress(c *gin.Context) {
	wid, ok := workerID(c)
	if !ok {
		writeError(c, engine.ErrUnauthorized)
		return
	}
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
		return
	}
	progress, err := s.engine.ReportProgress(c.Request.Context(), engine.ProgressParams{
		TenantID: tenant(c),
		LeaseID:  c.Param("id"),
		WorkerID: wid,
		Percent:  req.Percent,
		Note:     req.Note,
		Detail:   req.Detail,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": progress})
}

type completeRequest struct {
	ResultSummary string         `json:"result_summary"`
	ResultPayload map[string]any `json:"result_payload"`
	Artifacts     []any          `json:"artifacts"`
	DeliveryProof map[string]any `json:"delivery_proof"`
	Metadata      map[string]any `json:"metadata"`
}

func (s *Server) complete(c *gin.Context) {
	wid, ok := workerID(c)
	if !ok {
		writeError(c, engine.ErrUnauthorized)
		return
	}
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
		return
	}
	task, err := s.engine.Complete(c.Request.Context(), engine.CompleteParams{
		TenantID:      tenant(c),
		LeaseID:       c.Param("id"),
		WorkerID:      wid,
		ResultSummary: req.ResultSummary,
		ResultPayload: req.ResultPayload,
		Artifacts:     req.Artifacts,
		DeliveryProof: req.DeliveryProof,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

type failRequest struct {
	Error     map[string]any `json:"error"`
	Retryable bool           `json:"retryable"`
}

func (s *Server) fail(c *gin.Context) {
	wid, ok := workerID(c)
	if !ok {
		writeError(c, engine.ErrUnauthorized)
		return
	}
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
		return
	}
	res, err := s.engine.Fail(c.Request.Context(), engine.FailParams{
		TenantID:  tenant(c),
		LeaseID:   c.Param("id"),
		WorkerID:  wid,
		Error:     req.Error,
		Retryable: req.Retryable,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"task": res.Task, "requeued": res.Requeued}
	if res.Requeued {
		resp["next_eligible_at"] = res.NextEligibleAt
	}
	c.JSON(http.StatusOK, resp)
}
