package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unsgate/unsgate/pkg/models"
)

func (s *Server) listUsersHandler(c *gin.Context) {
	users, err := s.deps.Users.ListUsers(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (s *Server) deleteUserHandler(c *gin.Context) {
	if err := s.deps.Users.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
