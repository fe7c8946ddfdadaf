package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// @Summary      Get analysis job
// @Description  Returns the status and result of one analysis job
// @Tags         analysis
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Job ID"
// @Success      200  {object}  domain.AnalysisJob
// @Router       /v1/jobs/{id} [get]
func (s *Server) GetJob(c *gin.Context) {
	account, ok := s.accountFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	raw := strings.TrimSpace(c.Param("id"))
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	job, err := s.analysisSvc.Get(c.Request.Context(), account.ID, snowflake.ID(parsed))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}
