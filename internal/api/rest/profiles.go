package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// GET /api/v1/profiles
func (s *Server) listProfiles(c *gin.Context) {
	profs := s.lm.Profiles().List()
	c.JSON(http.StatusOK, gin.H{
		"profiles": profs,
		"count":    len(profs),
	})
}

// GET /api/v1/profiles/:id
func (s *Server) getProfile(c *gin.Context) {
	p, err := s.lm.Profiles().Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, err.Error(), nil))
		return
	}
	c.JSON(http.StatusOK, p)
}
