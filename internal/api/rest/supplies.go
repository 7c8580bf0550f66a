package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opensupply/OpenSupplyCore/internal/auth"
	"github.com/opensupply/OpenSupplyCore/internal/supply"
	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// supplyError maps domain errors onto the HTTP envelope.
func supplyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrUnknownSupply),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrUnknownParam):
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, err.Error(), nil))
	case errors.Is(err, types.ErrInvalidState),
		errors.Is(err, supply.ErrNotRunning),
		errors.Is(err, supply.ErrSigGenBusy):
		c.JSON(http.StatusConflict, types.NewErrorResponse(types.CodeConflict, err.Error(), nil))
	default:
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, err.Error(), nil))
	}
}

// GET /api/v1/supplies
func (s *Server) listSupplies(c *gin.Context) {
	statuses := s.lm.Supplies().Statuses()
	c.JSON(http.StatusOK, gin.H{
		"supplies": statuses,
		"count":    len(statuses),
	})
}

// GET /api/v1/supplies/:name/status
func (s *Server) getSupplyStatus(c *gin.Context) {
	sup, err := s.lm.Supplies().Get(c.Param("name"))
	if err != nil {
		supplyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    sup.Status(),
		"telemetry": sup.Telemetry(),
	})
}

// POST /api/v1/supplies/:name/commands
func (s *Server) executeSupplyCommand(c *gin.Context) {
	var cmd supply.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid command body", err.Error()))
		return
	}
	if cmd.Op == "" {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Missing command op", nil))
		return
	}

	// Forcing interlocks is a commissioning action, not an operator one
	if cmd.Op == supply.OpSetInterlock && !auth.HasPermission(c, auth.PermAdmin) {
		c.JSON(http.StatusForbidden, types.NewErrorResponse(
			types.CodeForbidden, "set_interlock requires admin permission", nil))
		return
	}

	name := c.Param("name")
	if err := s.lm.Supplies().Execute(c.Request.Context(), name, cmd); err != nil {
		supplyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"supply": name,
		"op":     cmd.Op,
		"status": "accepted",
	})
}

// GET /api/v1/supplies/:name/params
func (s *Server) listSupplyParams(c *gin.Context) {
	sup, err := s.lm.Supplies().Get(c.Param("name"))
	if err != nil {
		supplyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"supply": sup.Name(),
		"params": sup.ParamNames(),
	})
}

// GET /api/v1/supplies/:name/params/:id
func (s *Server) getSupplyParam(c *gin.Context) {
	sup, err := s.lm.Supplies().Get(c.Param("name"))
	if err != nil {
		supplyError(c, err)
		return
	}

	name := c.Param("id")
	values, err := sup.ParamValues(name)
	if err != nil {
		supplyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"supply": sup.Name(),
		"name":   name,
		"values": values,
	})
}

// PUT /api/v1/supplies/:name/params/:id
func (s *Server) putSupplyParam(c *gin.Context) {
	var req struct {
		Index int     `json:"index"`
		Value float64 `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	name := c.Param("name")
	cmd := supply.Command{
		Op: supply.OpSetParam,
		Param: &supply.ParamWrite{
			Name:  c.Param("id"),
			Index: req.Index,
			Value: req.Value,
		},
	}
	if err := s.lm.Supplies().Execute(c.Request.Context(), name, cmd); err != nil {
		supplyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"supply": name,
		"name":   cmd.Param.Name,
		"index":  cmd.Param.Index,
		"value":  cmd.Param.Value,
	})
}

// PUT /api/v1/supplies/:name/wfmref
func (s *Server) putSupplyWfmRef(c *gin.Context) {
	var sel supply.WfmRefSelect
	if err := c.ShouldBindJSON(&sel); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	name := c.Param("name")
	cmd := supply.Command{Op: supply.OpSelectWfmRef, WfmRef: &sel}
	if err := s.lm.Supplies().Execute(c.Request.Context(), name, cmd); err != nil {
		supplyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"supply": name,
		"table":  sel.Table,
		"status": "selected",
	})
}

// GET /api/v1/supplies/:name/scope
func (s *Server) getSupplyScope(c *gin.Context) {
	sup, err := s.lm.Supplies().Get(c.Param("name"))
	if err != nil {
		supplyError(c, err)
		return
	}

	frame, ok := sup.LastScopeFrame()
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(
			types.CodeNotFound, "no scope frame captured yet", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"supply": sup.Name(),
		"frame":  frame,
	})
}

// PUT /api/v1/supplies/:name/scope
func (s *Server) putSupplyScopeSource(c *gin.Context) {
	var req struct {
		Signal string `json:"signal" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	sup, err := s.lm.Supplies().Get(c.Param("name"))
	if err != nil {
		supplyError(c, err)
		return
	}

	if err := sup.SetScopeSource(req.Signal); err != nil {
		supplyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"supply": sup.Name(),
		"signal": req.Signal,
	})
}
