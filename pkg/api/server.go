// Package api is the HTTP surface of the gateway: the query/control
// endpoints, the chat stream, the WebSocket upgrade and /metrics. Handlers
// stay thin; domain behaviour lives in the packages behind the interfaces
// below.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unsgate/unsgate/pkg/chat"
	"github.com/unsgate/unsgate/pkg/config"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/store"
)

// EventReader serves the /context read and prune endpoints. Implemented by
// *store.Store.
type EventReader interface {
	Topics(ctx context.Context) ([]models.TopicInfo, error)
	GetLatest(ctx context.Context, brokerID, topicName string) (*models.Event, error)
	GetHistory(ctx context.Context, brokerID, topicName string, limit int) ([]models.Event, error)
	SearchFulltext(ctx context.Context, q, brokerID string, start, end *time.Time, limit int) ([]models.Event, error)
	SearchByTemplate(ctx context.Context, pattern string, filters map[string]any, brokerID string, limit int) ([]models.Event, error)
	PrunePattern(ctx context.Context, pattern, brokerID string) (int64, error)
	Stats() store.StoreStatsSnapshot
}

// AlertStore serves the materialized-alert endpoints. Implemented by
// *store.Store.
type AlertStore interface {
	ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error)
	TransitionAlert(ctx context.Context, id string, next models.AlertStatus, handledBy string) (*models.Alert, error)
}

// RuleService is the alert-rule CRUD surface. Implemented by
// *alerting.Engine, which keeps its compiled snapshot fresh.
type RuleService interface {
	Rules(ctx context.Context) ([]models.AlertRule, error)
	CreateRule(ctx context.Context, r *models.AlertRule) error
	UpdateRule(ctx context.Context, r *models.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
}

// MapperService is the mapper engine surface. Implemented by *mapper.Engine.
type MapperService interface {
	Config() *models.MapperConfig
	UpdateConfig(ctx context.Context, cfg *models.MapperConfig) error
	Metrics() []models.TargetMetrics
}

// BrokerPool is the outbound MQTT surface. Implemented by *broker.Pool.
type BrokerPool interface {
	Publish(brokerID, topic string, payload []byte, qos byte, retain bool) error
	ClearRetained(brokerID, topic string) error
	Status() []models.BrokerStatus
}

// ChatAgent runs streaming chat turns. Implemented by *chat.Agent; nil when
// no LLM is configured.
type ChatAgent interface {
	Run(ctx context.Context, ident chat.Identity, sessionID, userMessage string, out chat.ChunkWriter) error
	Stop(sessionID string) bool
}

// SessionStore is the chat-session CRUD surface. Implemented by *store.Store.
type SessionStore interface {
	GetChatSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error)
	SaveChatSession(ctx context.Context, session *models.ChatSession) error
	DeleteChatSession(ctx context.Context, sessionID, userID string) error
	ListChatSessions(ctx context.Context, userID string) ([]models.ChatSession, error)
}

// UserStore records and lists identities. Implemented by *store.Store.
type UserStore interface {
	TouchUser(ctx context.Context, id string, admin bool) error
	ListUsers(ctx context.Context) ([]models.User, error)
	DeleteUser(ctx context.Context, id string) error
}

// Upgrader hands a request over to the broadcast hub. Implemented by
// *hub.Hub.
type Upgrader interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request, userID string)
	ClientCount() int
}

// HealthChecker reports backend liveness. Implemented by the database
// package's health probe.
type HealthChecker func(ctx context.Context) error

// Deps bundles everything the server serves.
type Deps struct {
	Events   EventReader
	Alerts   AlertStore
	Rules    RuleService
	Mapper   MapperService
	Brokers  BrokerPool
	Chat     ChatAgent
	Sessions SessionStore
	Users    UserStore
	Hub      Upgrader
	Health   HealthChecker
}

// Server is the HTTP API.
type Server struct {
	cfg  *config.Config
	deps Deps
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the gin engine with the full route table under BASE_PATH.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	root := r.Group(s.cfg.BasePath)
	root.GET("/healthz", s.healthHandler)
	root.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := root.Group("", s.authMiddleware())
	authed.GET("/ws", s.wsHandler)

	ctxGroup := authed.Group("/context")
	ctxGroup.GET("/status", s.statusHandler)
	ctxGroup.GET("/topics", s.topicsHandler)
	ctxGroup.GET("/topic/*topic", s.latestHandler)
	ctxGroup.GET("/history/*topic", s.historyHandler)
	ctxGroup.GET("/search", s.searchHandler)
	ctxGroup.POST("/search/model", s.searchModelHandler)
	ctxGroup.POST("/prune-topic", s.requireAdmin(), s.pruneTopicHandler)

	mapperGroup := authed.Group("/mapper")
	mapperGroup.GET("/config", s.getMapperConfigHandler)
	mapperGroup.POST("/config", s.updateMapperConfigHandler)
	mapperGroup.GET("/metrics", s.mapperMetricsHandler)

	alertGroup := authed.Group("/alerts")
	alertGroup.GET("/rules", s.listAlertRulesHandler)
	alertGroup.POST("/rules", s.createAlertRuleHandler)
	alertGroup.PUT("/rules/:id", s.updateAlertRuleHandler)
	alertGroup.DELETE("/rules/:id", s.deleteAlertRuleHandler)
	alertGroup.GET("/active", s.activeAlertsHandler)
	alertGroup.POST("/:id/status", s.transitionAlertHandler)

	authed.POST("/publish/message", s.publishHandler)

	chatGroup := authed.Group("/chat")
	chatGroup.POST("/completion", s.chatCompletionHandler)
	chatGroup.POST("/stop", s.chatStopHandler)
	chatGroup.GET("/sessions", s.listSessionsHandler)
	chatGroup.GET("/session/:id", s.getSessionHandler)
	chatGroup.POST("/session/:id", s.saveSessionHandler)
	chatGroup.DELETE("/session/:id", s.deleteSessionHandler)

	adminGroup := authed.Group("/admin", s.requireAdmin())
	adminGroup.GET("/users", s.listUsersHandler)
	adminGroup.DELETE("/users/:id", s.deleteUserHandler)

	return r
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.deps.Health != nil {
		if err := s.deps.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) wsHandler(c *gin.Context) {
	ident := identityFrom(c)
	s.deps.Hub.HandleUpgrade(c.Writer, c.Request, ident.UserID)
}
