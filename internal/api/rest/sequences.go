package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// GET /api/v1/sequences
func (s *Server) listSequences(c *gin.Context) {
	seqs := s.lm.SequenceEngine().Sequences()
	c.JSON(http.StatusOK, gin.H{
		"sequences": seqs,
		"count":     len(seqs),
	})
}

// GET /api/v1/sequences/:id
func (s *Server) getSequence(c *gin.Context) {
	seq, err := s.lm.SequenceEngine().Sequence(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, err.Error(), nil))
		return
	}
	c.JSON(http.StatusOK, seq)
}

// POST /api/v1/sequences/:id/runs
func (s *Server) startSequenceRun(c *gin.Context) {
	id := c.Param("id")
	runID, err := s.lm.SequenceEngine().StartRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, err.Error(), nil))
			return
		}
		s.logger.Error("Failed to start sequence run", zap.String("sequence_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(
			types.CodeInternal, "Failed to start sequence run", nil))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":      runID,
		"sequence_id": id,
		"status":      "running",
	})
}

// GET /api/v1/sequences/runs/:run_id
func (s *Server) getSequenceRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid run ID", nil))
		return
	}

	run, steps, err := s.lm.SequenceEngine().GetRun(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, err.Error(), nil))
			return
		}
		s.logger.Error("Failed to load sequence run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(
			types.CodeInternal, "Failed to load sequence run", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":   run,
		"steps": steps,
	})
}

// DELETE /api/v1/sequences/runs/:run_id
func (s *Server) cancelSequenceRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid run ID", nil))
		return
	}

	if err := s.lm.SequenceEngine().CancelRun(runID); err != nil {
		c.JSON(http.StatusConflict, types.NewErrorResponse(types.CodeConflict, err.Error(), nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id": runID,
		"status": "cancelling",
	})
}

// GET /api/v1/sequences/runs
//
// Query: sequence_id, limit.
func (s *Server) listSequenceRuns(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid limit", nil))
			return
		}
		limit = n
	}

	runs, err := s.lm.SequenceEngine().ListRuns(c.Request.Context(), c.Query("sequence_id"), limit)
	if err != nil {
		s.logger.Error("Failed to list sequence runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(
			types.CodeInternal, "Failed to list sequence runs", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}
