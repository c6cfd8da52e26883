package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type publishRequest struct {
	BrokerID string `json:"broker_id"`
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	QoS      byte   `json:"qos"`
	Retain   bool   `json:"retain"`
}

// publishHandler is the passthrough to the broker pool. Topics outside the
// broker's publish allow-list come back as 403.
func (s *Server) publishHandler(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.BrokerID == "" || req.Topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "broker_id and topic are required"})
		return
	}
	if req.QoS > 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "qos must be 0, 1 or 2"})
		return
	}

	if err := s.deps.Brokers.Publish(req.BrokerID, req.Topic, []byte(req.Payload), req.QoS, req.Retain); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"published": true})
}
