package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mailscope/backend/internal/repository"
	"github.com/mailscope/backend/internal/service"
)

type MessageHandler struct {
	messages  service.MessageStore
	snapshots service.SnapshotStore
	logger    *zap.Logger
}

func NewMessageHandler(messages service.MessageStore, snapshots service.SnapshotStore, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, snapshots: snapshots, logger: logger}
}

// List handles GET /messages?limit=&days_back=
func (h *MessageHandler) List(c *gin.Context) {
	userID := authedUser(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	filter := repository.MessageFilter{Limit: limit}
	if daysBack, err := strconv.Atoi(c.Query("days_back")); err == nil && daysBack > 0 {
		filter.Since = time.Now().AddDate(0, 0, -daysBack)
	}

	msgs, err := h.messages.List(c.Request.Context(), userID, service.Provider, filter)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}

	state, err := h.messages.GetSyncState(c.Request.Context(), userID, service.Provider)
	if err != nil {
		h.logger.Error("failed to get sync state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages":   msgs,
		"sync_state": state,
	})
}

// Analytics handles GET /analytics. Computes on demand from whatever the
// cache holds, independent of job completion; a snapshot cached under the
// current sync version is served as-is.
func (h *MessageHandler) Analytics(c *gin.Context) {
	userID := authedUser(c)
	ctx := c.Request.Context()

	state, err := h.messages.GetSyncState(ctx, userID, service.Provider)
	if err != nil {
		h.logger.Error("failed to get sync state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute analytics"})
		return
	}
	var lastSyncAt *time.Time
	if state != nil {
		lastSyncAt = state.LastSyncAt
	}

	if h.snapshots != nil {
		if cached, err := h.snapshots.Get(ctx, userID, lastSyncAt); err == nil && cached != nil {
			c.JSON(http.StatusOK, gin.H{
				"analytics":  cached,
				"sync_state": state,
				"cached":     true,
			})
			return
		}
	}

	msgs, err := h.messages.List(ctx, userID, service.Provider, repository.MessageFilter{})
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute analytics"})
		return
	}

	snapshot := service.ComputeAnalytics(msgs, authedEmail(c))

	if h.snapshots != nil {
		if err := h.snapshots.Set(ctx, userID, lastSyncAt, snapshot); err != nil {
			h.logger.Warn("failed to cache analytics snapshot", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"analytics":  snapshot,
		"sync_state": state,
		"cached":     false,
	})
}
