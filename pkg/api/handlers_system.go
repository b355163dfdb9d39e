package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/asyncgate/asyncgate/pkg/engine"
)

// getConfig returns the non-secret runtime configuration. Internal
// callers only.
func (s *Server) getConfig(c *gin.Context) {
	if !caller(c).IsInternal {
		writeError(c, engine.ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": s.engine.GetConfig()})
}

// getMetrics returns the flattened metrics snapshot. The Prometheus
// scrape endpoint lives on the metrics listener; this is the operator
// convenience view.
func (s *Server) getMetrics(c *gin.Context) {
	if !caller(c).IsInternal {
		writeError(c, engine.ErrUnauthorized)
		return
	}
	snap, err := s.engine.GetMetricsSnapshot()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": snap})
}
