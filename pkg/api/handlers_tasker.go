package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/storage"
	"github.com/asyncgate/asyncgate/pkg/types"
)

type createTaskRequest struct {
	Type           string         `json:"type" binding:"required"`
	Payload        map[string]any `json:"payload"`
	PayloadPointer string         `json:"payload_pointer"`
	PrincipalAI    string         `json:"principal_ai" binding:"required"`
	Requirements   map[string]any `json:"requirements"`
	Priority       int            `json:"priority"`
	IdempotencyKey string         `json:"idempotency_key"`

	MaxAttempts         int `json:"max_attempts"`
	RetryBackoffSeconds int `json:"retry_backoff_seconds"`
	DelaySeconds        int `json:"delay_seconds"`

	ExpectedOutcomeKind  string `json:"expected_outcome_kind"`
	ExpectedArtifactMime string `json:"expected_artifact_mime"`

	// CreatedBy defaults to the caller; internal callers may create on
	// behalf of another principal.
	CreatedBy *types.Principal `json:"created_by"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
		return
	}
	call := caller(c)

	createdBy := call.Principal
	if req.CreatedBy != nil {
		if !call.IsInternal {
			writeError(c, engine.ErrUnauthorized)
			return
		}
		createdBy = *req.CreatedBy
	}

	task, err := s.engine.CreateTask(c.Request.Context(), call, engine.CreateTaskParams{
		TenantID:             tenant(c),
		Type:                 req.Type,
		Payload:              req.Payload,
		PayloadPointer:       req.PayloadPointer,
		CreatedBy:            createdBy,
		PrincipalAI:          req.PrincipalAI,
		Requirements:         req.Requirements,
		Priority:             req.Priority,
		IdempotencyKey:       req.IdempotencyKey,
		MaxAttempts:          req.MaxAttempts,
		RetryBackoffSeconds:  req.RetryBackoffSeconds,
		DelaySeconds:         req.DelaySeconds,
		ExpectedOutcomeKind:  req.ExpectedOutcomeKind,
		ExpectedArtifactMime: req.ExpectedArtifactMime,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (s *Server) getTask(c *gin.Context) {
	view, err := s.engine.GetTask(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"task": view.Task}
	if view.Progress != nil {
		resp["progress"] = view.Progress
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	filter := storage.TaskFilter{
		Status:    types.TaskStatus(c.Query("status")),
		Type:      c.Query("type"),
		CreatedBy: c.Query("created_by"),
		Limit:     limit,
	}
	if cursor := c.Query("cursor"); cursor != "" {
		ts, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody{Error: "bad cursor", Kind: "validation"})
			return
		}
		filter.Cursor = ts
	}
	tasks, err := s.engine.ListTasks(c.Request.Context(), tenant(c), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"tasks": tasks}
	if len(tasks) > 0 {
		resp["cursor"] = tasks[len(tasks)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, resp)
}

type cancelTaskRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelTask(c *gin.Context) {
	var req cancelTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
		return
	}
	task, err := s.engine.CancelTask(c.Request.Context(), caller(c), tenant(c), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) listReceipts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	receipts, err := s.engine.ListReceipts(c.Request.Context(), tenant(c),
		caller(c).Principal, c.Query("since_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

func (s *Server) ackReceipt(c *gin.Context) {
	receipt, err := s.engine.AckReceipt(c.Request.Context(), caller(c), tenant(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (s *Server) listOpenObligations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := s.engine.ListOpenObligations(c.Request.Context(), tenant(c),
		caller(c).Principal, c.Query("since_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"obligations": page.Receipts}
	if page.Cursor != "" {
		resp["cursor"] = page.Cursor
	}
	c.JSON(http.StatusOK, resp)
}

type bootstrapRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) bootstrap(c *gin.Context) {
	var req bootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
		return
	}
	res, err := s.engine.Bootstrap(c.Request.Context(), tenant(c), caller(c).Principal, req.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
