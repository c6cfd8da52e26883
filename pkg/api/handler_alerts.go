package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unsgate/unsgate/pkg/models"
)

func (s *Server) listAlertRulesHandler(c *gin.Context) {
	rules, err := s.deps.Rules.Rules(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if rules == nil {
		rules = []models.AlertRule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (s *Server) createAlertRuleHandler(c *gin.Context) {
	var rule models.AlertRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Rules.CreateRule(c.Request.Context(), &rule); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) updateAlertRuleHandler(c *gin.Context) {
	var rule models.AlertRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule.ID = c.Param("id")

	if err := s.deps.Rules.UpdateRule(c.Request.Context(), &rule); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteAlertRuleHandler(c *gin.Context) {
	if err := s.deps.Rules.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) activeAlertsHandler(c *gin.Context) {
	alerts, err := s.deps.Alerts.ListAlerts(c.Request.Context(),
		models.AlertStatus(c.Query("status")), parseLimit(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

type transitionRequest struct {
	Status models.AlertStatus `json:"status"`
}

// transitionAlertHandler applies an operator transition. Illegal
// transitions surface as 409.
func (s *Server) transitionAlertHandler(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alert, err := s.deps.Alerts.TransitionAlert(c.Request.Context(),
		c.Param("id"), req.Status, identityFrom(c).UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}
