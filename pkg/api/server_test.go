package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/unsgate/unsgate/pkg/chat"
	"github.com/unsgate/unsgate/pkg/config"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/store"
)

// Fakes for the server's dependency surfaces.

type fakeEvents struct {
	topics  []models.TopicInfo
	latest  *models.Event
	history []models.Event
	pruned  int64

	lastLimit int
}

func (f *fakeEvents) Topics(context.Context) ([]models.TopicInfo, error) {
	return f.topics, nil
}

func (f *fakeEvents) GetLatest(_ context.Context, _, topicName string) (*models.Event, error) {
	if f.latest == nil || f.latest.Topic != topicName {
		return nil, store.ErrNotFound
	}
	return f.latest, nil
}

func (f *fakeEvents) GetHistory(_ context.Context, _, _ string, limit int) ([]models.Event, error) {
	f.lastLimit = limit
	return f.history, nil
}

func (f *fakeEvents) SearchFulltext(_ context.Context, q, _ string, _, _ *time.Time, limit int) ([]models.Event, error) {
	if len(q) < 2 {
		return nil, store.NewValidationError("q", "must be at least 2 characters")
	}
	f.lastLimit = limit
	return f.history, nil
}

func (f *fakeEvents) SearchByTemplate(_ context.Context, _ string, _ map[string]any, _ string, _ int) ([]models.Event, error) {
	return f.history, nil
}

func (f *fakeEvents) PrunePattern(context.Context, string, string) (int64, error) {
	return f.pruned, nil
}

func (f *fakeEvents) Stats() store.StoreStatsSnapshot {
	return store.StoreStatsSnapshot{TotalRows: 10, Bytes: 1024, LimitBytes: 4096}
}

type fakeAlerts struct {
	alerts     []models.Alert
	transition error
}

func (f *fakeAlerts) ListAlerts(context.Context, models.AlertStatus, int) ([]models.Alert, error) {
	return f.alerts, nil
}

func (f *fakeAlerts) TransitionAlert(_ context.Context, id string, next models.AlertStatus, handledBy string) (*models.Alert, error) {
	if f.transition != nil {
		return nil, f.transition
	}
	return &models.Alert{ID: id, Status: next, HandledBy: handledBy}, nil
}

type fakeRules struct {
	rules   []models.AlertRule
	lastErr error
}

func (f *fakeRules) Rules(context.Context) ([]models.AlertRule, error) { return f.rules, nil }
func (f *fakeRules) CreateRule(_ context.Context, r *models.AlertRule) error {
	if f.lastErr != nil {
		return f.lastErr
	}
	r.ID = "rule-1"
	return nil
}
func (f *fakeRules) UpdateRule(context.Context, *models.AlertRule) error { return f.lastErr }
func (f *fakeRules) DeleteRule(context.Context, string) error            { return f.lastErr }

type fakeMapper struct {
	cfg       *models.MapperConfig
	metrics   []models.TargetMetrics
	updateErr error
}

func (f *fakeMapper) Config() *models.MapperConfig { return f.cfg }
func (f *fakeMapper) UpdateConfig(_ context.Context, cfg *models.MapperConfig) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.cfg = cfg
	return nil
}
func (f *fakeMapper) Metrics() []models.TargetMetrics { return f.metrics }

type fakeBrokers struct {
	publishErr error
	published  []string
	cleared    []string
}

func (f *fakeBrokers) Publish(brokerID, topic string, _ []byte, _ byte, _ bool) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, brokerID+"|"+topic)
	return nil
}

func (f *fakeBrokers) ClearRetained(brokerID, topic string) error {
	f.cleared = append(f.cleared, brokerID+"|"+topic)
	return nil
}

func (f *fakeBrokers) Status() []models.BrokerStatus {
	return []models.BrokerStatus{{ID: "b1", Endpoint: "tcp://localhost:1883", Connected: true}}
}

type fakeChat struct {
	chunks  []chat.Chunk
	stopped []string
}

func (f *fakeChat) Run(_ context.Context, _ chat.Identity, _, _ string, out chat.ChunkWriter) error {
	for _, c := range f.chunks {
		if err := out.WriteChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeChat) Stop(sessionID string) bool {
	f.stopped = append(f.stopped, sessionID)
	return true
}

type fakeSessions struct {
	sessions map[string]*models.ChatSession
}

func (f *fakeSessions) GetChatSession(_ context.Context, sessionID, userID string) (*models.ChatSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if s.UserID != userID {
		return nil, store.ErrNotAllowed
	}
	return s, nil
}

func (f *fakeSessions) SaveChatSession(_ context.Context, session *models.ChatSession) error {
	if f.sessions == nil {
		f.sessions = make(map[string]*models.ChatSession)
	}
	f.sessions[session.SessionID] = session
	return nil
}

func (f *fakeSessions) DeleteChatSession(_ context.Context, sessionID, userID string) error {
	s, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if s.UserID != userID {
		return store.ErrNotAllowed
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeSessions) ListChatSessions(_ context.Context, userID string) ([]models.ChatSession, error) {
	var out []models.ChatSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeUsers struct {
	users   []models.User
	deleted []string
}

func (f *fakeUsers) TouchUser(context.Context, string, bool) error { return nil }
func (f *fakeUsers) ListUsers(context.Context) ([]models.User, error) {
	return f.users, nil
}
func (f *fakeUsers) DeleteUser(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeHub struct{ clients int }

func (f *fakeHub) HandleUpgrade(w http.ResponseWriter, _ *http.Request, _ string) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}
func (f *fakeHub) ClientCount() int { return f.clients }

// env bundles a test server with its fakes.
type env struct {
	srv      *httptest.Server
	events   *fakeEvents
	alerts   *fakeAlerts
	rules    *fakeRules
	mapper   *fakeMapper
	brokers  *fakeBrokers
	chat     *fakeChat
	sessions *fakeSessions
	users    *fakeUsers
}

const testJWTSecret = "test-secret"

func newTestEnv(t *testing.T, jwtSecret string) *env {
	t.Helper()
	e := &env{
		events: &fakeEvents{},
		alerts: &fakeAlerts{},
		rules:  &fakeRules{},
		mapper: &fakeMapper{cfg: &models.MapperConfig{
			ActiveVersionID: "v_1",
			Versions:        []models.MapperVersion{{ID: "v_1", Name: "default"}},
		}},
		brokers:  &fakeBrokers{},
		chat:     &fakeChat{},
		sessions: &fakeSessions{sessions: make(map[string]*models.ChatSession)},
		users:    &fakeUsers{},
	}

	cfg := &config.Config{
		Auth: config.AuthConfig{JWTSecret: jwtSecret, DevUser: "dev"},
	}
	server := NewServer(cfg, Deps{
		Events:   e.events,
		Alerts:   e.alerts,
		Rules:    e.rules,
		Mapper:   e.mapper,
		Brokers:  e.brokers,
		Chat:     e.chat,
		Sessions: e.sessions,
		Users:    e.users,
		Hub:      &fakeHub{clients: 2},
		Health:   func(context.Context) error { return nil },
	})
	e.srv = httptest.NewServer(server.Router())
	t.Cleanup(e.srv.Close)
	return e
}

func mintToken(t *testing.T, sub string, admin bool) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, identityClaims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func doRequest(t *testing.T, e *env, method, path, token, body string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
