package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mailscope/backend/internal/errs"
	"github.com/mailscope/backend/internal/models"
	"github.com/mailscope/backend/internal/service"
)

type JobHandler struct {
	orchestrator *service.Orchestrator
	logger       *zap.Logger
}

func NewJobHandler(orchestrator *service.Orchestrator, logger *zap.Logger) *JobHandler {
	return &JobHandler{orchestrator: orchestrator, logger: logger}
}

type createJobRequest struct {
	JobType  models.JobType `json:"job_type" binding:"required"`
	Metadata struct {
		DaysBack   int `json:"days_back"`
		MaxResults int `json:"max_results"`
	} `json:"metadata"`
}

// progressView is the polling contract: current/total with a derived
// percentage, monotonically non-decreasing for a given job.
type progressView struct {
	Current    int              `json:"current"`
	Total      int              `json:"total"`
	Percentage int              `json:"percentage"`
	Status     models.JobStatus `json:"status"`
}

func progressOf(job *models.Job) progressView {
	pct := 0
	if job.Total > 0 {
		pct = job.Progress * 100 / job.Total
		if pct > 100 {
			pct = 100
		}
	}
	if job.Status == models.JobStatusCompleted {
		pct = 100
	}
	return progressView{
		Current:    job.Progress,
		Total:      job.Total,
		Percentage: pct,
		Status:     job.Status,
	}
}

// Create handles POST /jobs
func (h *JobHandler) Create(c *gin.Context) {
	userID := authedUser(c)

	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": errs.CodeValidation})
		return
	}

	metadata := models.JobMetadata{
		DaysBack:   req.Metadata.DaysBack,
		MaxResults: req.Metadata.MaxResults,
		UserEmail:  authedEmail(c),
	}

	job, err := h.orchestrator.CreateJob(c.Request.Context(), userID, req.JobType, metadata)
	if err != nil {
		switch errs.CodeOf(err) {
		case errs.CodeConflict:
			existing, _ := h.orchestrator.GetActiveJob(c.Request.Context(), userID, req.JobType)
			c.JSON(http.StatusConflict, gin.H{
				"error":        "a job of this type is already active",
				"code":         errs.CodeConflict,
				"existing_job": existing,
			})
		case errs.CodeValidation:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": errs.CodeValidation})
		default:
			h.logger.Error("failed to create job", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// Get handles GET /jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job":      job,
		"progress": progressOf(job),
	})
}

// List handles GET /jobs
func (h *JobHandler) List(c *gin.Context) {
	status := models.JobStatus(c.Query("status"))
	jobs, err := h.orchestrator.ListJobs(c.Request.Context(), authedUser(c), status, 0)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// Delete handles DELETE /jobs/:id. Terminal jobs are removed; active jobs
// are flagged for cancellation and reported as 202.
func (h *JobHandler) Delete(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	cancelled, err := h.orchestrator.DeleteJob(c.Request.Context(), job.ID)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("failed to delete job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete job"})
		return
	}

	if cancelled {
		c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ownedJob loads the job from the path and enforces ownership: 404 for
// unknown ids, 403 when the requester does not own the job.
func (h *JobHandler) ownedJob(c *gin.Context) (*models.Job, bool) {
	job, err := h.orchestrator.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return nil, false
		}
		h.logger.Error("failed to get job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return nil, false
	}
	if job.UserID != authedUser(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "job belongs to another user"})
		return nil, false
	}
	return job, true
}
