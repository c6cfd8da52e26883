package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/unsgate/unsgate/pkg/chat"
)

const identityKey = "identity"

// identityFrom returns the authenticated identity set by authMiddleware.
func identityFrom(c *gin.Context) chat.Identity {
	if v, ok := c.Get(identityKey); ok {
		if ident, ok := v.(chat.Identity); ok {
			return ident
		}
	}
	return chat.Identity{}
}

type identityClaims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// authMiddleware resolves the caller's identity. With AUTH_JWT_SECRET set,
// a Bearer HS256 token carrying `sub` and `admin` is required; without it,
// every request runs as the AUTH_DEV_USER admin identity.
func (s *Server) authMiddleware() gin.HandlerFunc {
	secret := []byte(s.cfg.Auth.JWTSecret)

	return func(c *gin.Context) {
		var ident chat.Identity

		if len(secret) == 0 {
			ident = chat.Identity{UserID: s.cfg.Auth.DevUser, Admin: true}
		} else {
			header := c.GetHeader("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
				return
			}

			claims := &identityClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !parsed.Valid || claims.Subject == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			ident = chat.Identity{UserID: claims.Subject, Admin: claims.Admin}
		}

		c.Set(identityKey, ident)
		s.recordSeen(ident)
		c.Next()
	}
}

// requireAdmin guards admin-only routes. Must run after authMiddleware.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identityFrom(c).Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin privileges required"})
		}
	}
}

// recordSeen updates the user's last-seen record off the request path.
func (s *Server) recordSeen(ident chat.Identity) {
	if s.deps.Users == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Users.TouchUser(ctx, ident.UserID, ident.Admin); err != nil {
			slog.Debug("Failed to record user", "user_id", ident.UserID, "error", err)
		}
	}()
}
