package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unsgate/unsgate/pkg/models"
)

func (s *Server) getMapperConfigHandler(c *gin.Context) {
	cfg := s.deps.Mapper.Config()
	if cfg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mapper config not loaded"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// updateMapperConfigHandler atomically replaces the configuration document.
func (s *Server) updateMapperConfigHandler(c *gin.Context) {
	var cfg models.MapperConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Mapper.UpdateConfig(c.Request.Context(), &cfg); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Mapper.Config())
}

func (s *Server) mapperMetricsHandler(c *gin.Context) {
	metrics := s.deps.Mapper.Metrics()
	if metrics == nil {
		metrics = []models.TargetMetrics{}
	}
	c.JSON(http.StatusOK, gin.H{"metrics": metrics})
}
