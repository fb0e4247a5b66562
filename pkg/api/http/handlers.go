package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SubmitResponse represents an execution submission response
type SubmitResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

// PauseRequest is the optional body of a pause call
type PauseRequest struct {
	CreateCheckpoint bool `json:"create_checkpoint"`
}

// CheckpointRequest is the optional body of a manual checkpoint call
type CheckpointRequest struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, status int, code string, err error) {
	detail := ErrorDetail{Code: code, Message: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		detail.Details = verr.Issues
	}
	c.JSON(status, ErrorResponse{Error: detail})
}

// writeError maps domain errors to HTTP statuses
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", err)
	case errors.Is(err, domain.ErrValidation):
		abortWithError(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err)
	case errors.Is(err, domain.ErrInvalidState):
		abortWithError(c, http.StatusConflict, "INVALID_STATE", err)
	case errors.Is(err, domain.ErrCacheDisabled):
		abortWithError(c, http.StatusConflict, "CACHE_DISABLED", err)
	default:
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err)
	}
}

// handleHealth reports the worker pool and state store health
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	if s.health == nil {
		storeHealthy := s.state == nil || s.state.IsHealthy(ctx)
		status := http.StatusOK
		if !storeHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":    healthLabel(storeHealthy),
			"timestamp": time.Now().UTC(),
			"checks": gin.H{
				"state_store": healthLabel(storeHealthy),
			},
		})
		return
	}

	report := s.health.Check(ctx)
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":    healthLabel(report.Healthy),
		"timestamp": report.Timestamp.UTC(),
		"checks": gin.H{
			"state_store": healthLabel(report.StoreHealthy),
			"workers":     report,
		},
	})
}

func healthLabel(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// handleSubmitExecution queues a job set for any worker to run
func (s *Server) handleSubmitExecution(c *gin.Context) {
	var req domain.ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("invalid request", zap.Error(err))
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}

	req.SubmittedAt = time.Now().UTC()
	executionID, err := s.submitter.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			abortWithError(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err)
			return
		}
		s.logger.Error("failed to submit execution", zap.Error(err))
		abortWithError(c, http.StatusServiceUnavailable, "SUBMISSION_FAILED", err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{
		ExecutionID: executionID,
		Status:      "submitted",
		SubmittedAt: req.SubmittedAt.Format(time.RFC3339),
	})
}

// handleGetExecution returns an execution with every job run
func (s *Server) handleGetExecution(c *gin.Context) {
	exec, err := s.orchestrator.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// handleListRuns returns the job runs recorded by the persistence sink
func (s *Server) handleListRuns(c *gin.Context) {
	if s.runs == nil {
		abortWithError(c, http.StatusServiceUnavailable, "SINK_NOT_AVAILABLE", errors.New("persistence sink is not configured"))
		return
	}

	executionID := c.Param("id")
	runs, err := s.runs.ListJobRuns(c.Request.Context(), executionID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution_id": executionID,
		"runs":         runs,
		"total":        len(runs),
	})
}

// handleCancelExecution handles execution cancellation
func (s *Server) handleCancelExecution(c *gin.Context) {
	executionID := c.Param("id")

	if err := s.orchestrator.Cancel(c.Request.Context(), executionID); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id": executionID,
		"status":       domain.ExecutionStatusCancelled,
		"cancelled_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handlePauseExecution stops new job launches, optionally checkpointing
func (s *Server) handlePauseExecution(c *gin.Context) {
	var req PauseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err)
			return
		}
	}

	executionID := c.Param("id")
	checkpointID, err := s.orchestrator.Pause(c.Request.Context(), executionID, req.CreateCheckpoint)
	if err != nil {
		s.writeError(c, err)
		return
	}

	body := gin.H{
		"execution_id": executionID,
		"paused":       true,
	}
	if checkpointID != "" {
		body["checkpoint_id"] = checkpointID
	}
	c.JSON(http.StatusOK, body)
}

// handleResumeExecution resumes a paused execution
func (s *Server) handleResumeExecution(c *gin.Context) {
	exec, err := s.orchestrator.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// handleCreateCheckpoint writes a manual checkpoint
func (s *Server) handleCreateCheckpoint(c *gin.Context) {
	var req CheckpointRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err)
			return
		}
	}

	executionID := c.Param("id")
	checkpointID, err := s.orchestrator.CreateCheckpoint(c.Request.Context(), executionID, req.Name, req.Metadata)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"execution_id":  executionID,
		"checkpoint_id": checkpointID,
	})
}

// handleListCheckpoints lists an execution's checkpoints, newest first
func (s *Server) handleListCheckpoints(c *gin.Context) {
	checkpoints, err := s.orchestrator.ListCheckpoints(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if checkpoints == nil {
		checkpoints = []domain.CheckpointInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"checkpoints": checkpoints,
		"total":       len(checkpoints),
	})
}

// handleResumeFromCheckpoint restores a checkpoint on this instance and, if
// the restored execution still has work, resumes it
func (s *Server) handleResumeFromCheckpoint(c *gin.Context) {
	ctx := c.Request.Context()

	exec, err := s.orchestrator.ResumeFromCheckpoint(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	if exec.Status == domain.ExecutionStatusRunning && exec.Paused && c.Query("paused") != "true" {
		exec, err = s.orchestrator.Resume(ctx, exec.ID)
		if err != nil {
			s.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, exec)
}

// handleWorkflowExecutions lists the executions recorded for a workflow
func (s *Server) handleWorkflowExecutions(c *gin.Context) {
	workflowID := c.Param("id")

	states, err := s.state.GetWorkflowExecutions(c.Request.Context(), workflowID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	executions := make([]gin.H, 0, len(states))
	for _, st := range states {
		if st.Execution == nil {
			continue
		}
		executions = append(executions, gin.H{
			"execution_id":   st.Execution.ID,
			"name":           st.Execution.Name,
			"status":         st.Status,
			"started_at":     st.Execution.StartedAt,
			"completed_at":   st.Execution.CompletedAt,
			"completed_jobs": len(st.CompletedJobs),
			"failed_jobs":    len(st.FailedJobs),
			"updated_at":     st.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": workflowID,
		"executions":  executions,
		"total":       len(executions),
	})
}

// handleInvalidateCache drops cached results whose key contains ?pattern=
func (s *Server) handleInvalidateCache(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", errors.New("pattern query parameter is required"))
		return
	}

	cache := s.orchestrator.Cache()
	if cache == nil || !cache.Enabled() {
		s.writeError(c, domain.ErrCacheDisabled)
		return
	}

	deleted := cache.Invalidate(c.Request.Context(), pattern)
	c.JSON(http.StatusOK, gin.H{
		"pattern": pattern,
		"deleted": deleted,
	})
}

// handleWorkers reports the local worker pool
func (s *Server) handleWorkers(c *gin.Context) {
	if s.health == nil {
		abortWithError(c, http.StatusServiceUnavailable, "POOL_NOT_AVAILABLE", errors.New("worker pool is not configured"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":      s.health.Check(c.Request.Context()),
		"timestamp": time.Now().UTC(),
	})
}
