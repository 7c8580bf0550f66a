package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/storage"
	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// GET /api/v1/events
//
// Query: supply, kind (hard|soft|alarm), since (RFC 3339), limit.
// Returns the persisted interlock history and state transitions that
// match, newest first.
func (s *Server) listEvents(c *gin.Context) {
	filter := storage.EventFilter{
		Supply: c.Query("supply"),
		Kind:   c.Query("kind"),
	}

	if since := c.Query("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(
				types.CodeBadRequest, "Invalid since timestamp, expected RFC 3339", err.Error()))
			return
		}
		filter.Since = ts
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(
				types.CodeBadRequest, "Invalid limit", nil))
			return
		}
		filter.Limit = n
	}

	interlocks, err := s.lm.Storage().ListInterlockEvents(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list interlock events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(
			types.CodeInternal, "Failed to query events", nil))
		return
	}

	transitions, err := s.lm.Storage().ListStateTransitions(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list state transitions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(
			types.CodeInternal, "Failed to query events", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"interlock_events":  interlocks,
		"state_transitions": transitions,
	})
}

// DELETE /api/v1/events
//
// Query: before (RFC 3339, required). Prunes history older than the
// cutoff from both event tables.
func (s *Server) pruneEvents(c *gin.Context) {
	before := c.Query("before")
	if before == "" {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(
			types.CodeBadRequest, "Missing before cutoff", nil))
		return
	}
	cutoff, err := time.Parse(time.RFC3339, before)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(
			types.CodeBadRequest, "Invalid before timestamp, expected RFC 3339", err.Error()))
		return
	}

	deleted, err := s.lm.Storage().PruneEvents(c.Request.Context(), cutoff)
	if err != nil {
		s.logger.Error("Failed to prune events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(
			types.CodeInternal, "Failed to prune events", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deleted": deleted,
		"before":  cutoff,
	})
}
