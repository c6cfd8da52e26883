package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/unsgate/unsgate/pkg/chat"
	"github.com/unsgate/unsgate/pkg/models"
)

type chatCompletionRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// chatCompletionHandler runs one agent turn, streaming NDJSON chunks. The
// stream ends when the turn completes, errors or is stopped.
func (s *Server) chatCompletionHandler(c *gin.Context) {
	if s.deps.Chat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no language model is configured"})
		return
	}

	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("X-Session-Id", req.SessionID)
	c.Status(http.StatusOK)

	writer := chat.NewNDJSONWriter(c.Writer)
	// Stream errors are already reported as error chunks; the HTTP status
	// is committed by the time they happen.
	_ = s.deps.Chat.Run(c.Request.Context(), identityFrom(c), req.SessionID, req.Message, writer)
}

type chatStopRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) chatStopHandler(c *gin.Context) {
	if s.deps.Chat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no language model is configured"})
		return
	}

	var req chatStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": s.deps.Chat.Stop(req.SessionID)})
}

func (s *Server) listSessionsHandler(c *gin.Context) {
	sessions, err := s.deps.Sessions.ListChatSessions(c.Request.Context(), identityFrom(c).UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if sessions == nil {
		sessions = []models.ChatSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getSessionHandler(c *gin.Context) {
	session, err := s.deps.Sessions.GetChatSession(c.Request.Context(),
		c.Param("id"), identityFrom(c).UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type saveSessionRequest struct {
	Messages []models.ChatMessage `json:"messages"`
}

// saveSessionHandler replaces the full transcript of the caller's session.
func (s *Server) saveSessionHandler(c *gin.Context) {
	var req saveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session := &models.ChatSession{
		SessionID: c.Param("id"),
		UserID:    identityFrom(c).UserID,
		Messages:  req.Messages,
	}
	if err := s.deps.Sessions.SaveChatSession(c.Request.Context(), session); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) deleteSessionHandler(c *gin.Context) {
	err := s.deps.Sessions.DeleteChatSession(c.Request.Context(),
		c.Param("id"), identityFrom(c).UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
