package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/topic"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

// statusPayload is the aggregate snapshot served by GET /context/status.
type statusPayload struct {
	Brokers             []models.BrokerStatus `json:"brokers"`
	DBStatus            dbStatusPayload       `json:"db_status"`
	ConnectedClients    int                   `json:"connected_clients"`
	ActiveMapperVersion string                `json:"active_mapper_version"`
}

type dbStatusPayload struct {
	TotalRows     int64 `json:"total_rows"`
	Bytes         int64 `json:"bytes"`
	LimitBytes    int64 `json:"limit_bytes"`
	PruningActive bool  `json:"pruning_active"`
}

// buildStatus assembles the non-authoritative status snapshot. Shared with
// the chat agent's get_status tool.
func (s *Server) buildStatus() statusPayload {
	stats := s.deps.Events.Stats()
	out := statusPayload{
		Brokers: s.deps.Brokers.Status(),
		DBStatus: dbStatusPayload{
			TotalRows:     stats.TotalRows,
			Bytes:         stats.Bytes,
			LimitBytes:    stats.LimitBytes,
			PruningActive: stats.PruningActive,
		},
		ConnectedClients: s.deps.Hub.ClientCount(),
	}
	if cfg := s.deps.Mapper.Config(); cfg != nil {
		out.ActiveMapperVersion = cfg.ActiveVersionID
	}
	return out
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.buildStatus())
}

// Status satisfies the chat agent's status source.
func (s *Server) Status(context.Context) any {
	return s.buildStatus()
}

func (s *Server) topicsHandler(c *gin.Context) {
	topics, err := s.deps.Events.Topics(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if topics == nil {
		topics = []models.TopicInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

// topicParam extracts the wildcard topic path segment.
func topicParam(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("topic"), "/")
}

func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func (s *Server) latestHandler(c *gin.Context) {
	ev, err := s.deps.Events.GetLatest(c.Request.Context(), c.Query("broker_id"), topicParam(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) historyHandler(c *gin.Context) {
	events, err := s.deps.Events.GetHistory(c.Request.Context(),
		c.Query("broker_id"), topicParam(c), parseLimit(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) searchHandler(c *gin.Context) {
	var start, end *time.Time
	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start: " + err.Error()})
			return
		}
		start = &t
	}
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end: " + err.Error()})
			return
		}
		end = &t
	}

	events, err := s.deps.Events.SearchFulltext(c.Request.Context(),
		c.Query("q"), c.Query("broker_id"), start, end, parseLimit(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type searchModelRequest struct {
	TopicTemplate string         `json:"topic_template"`
	Filters       map[string]any `json:"filters"`
	BrokerID      string         `json:"broker_id"`
	Limit         int            `json:"limit"`
}

func (s *Server) searchModelHandler(c *gin.Context) {
	var req searchModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TopicTemplate == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic_template is required"})
		return
	}

	events, err := s.deps.Events.SearchByTemplate(c.Request.Context(),
		req.TopicTemplate, req.Filters, req.BrokerID, req.Limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type pruneTopicRequest struct {
	Pattern  string `json:"pattern"`
	BrokerID string `json:"broker_id"`
}

// pruneTopicHandler deletes stored events by pattern and clears matching
// broker-retained state where concrete topics are known.
func (s *Server) pruneTopicHandler(c *gin.Context) {
	var req pruneTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Pattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern is required"})
		return
	}

	// Collect the concrete topics being dropped before the rows go away,
	// so their retained copies can be cleared on the brokers.
	var retained []models.TopicInfo
	if topics, err := s.deps.Events.Topics(c.Request.Context()); err == nil {
		for _, t := range topics {
			if req.BrokerID != "" && t.BrokerID != req.BrokerID {
				continue
			}
			retained = append(retained, t)
		}
	}

	deleted, err := s.deps.Events.PrunePattern(c.Request.Context(), req.Pattern, req.BrokerID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	cleared := s.clearRetained(req.Pattern, retained)
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "retained_cleared": cleared})
}

// clearRetained publishes zero-byte retained messages for pruned topics.
// Best effort: brokers whose allow-list rejects a topic are skipped.
func (s *Server) clearRetained(pattern string, topics []models.TopicInfo) int {
	p, err := topic.Compile(pattern)
	if err != nil {
		return 0
	}
	cleared := 0
	for _, t := range topics {
		if !p.Match(t.Topic) {
			continue
		}
		if err := s.deps.Brokers.ClearRetained(t.BrokerID, t.Topic); err == nil {
			cleared++
		}
	}
	return cleared
}
