package store_test

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/unsgate/unsgate/pkg/database"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/store"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// baseConnString returns a connection string to a shared PostgreSQL, from
// CI_DATABASE_URL in CI or a testcontainer started once per package. Tests
// are skipped when neither is available.
func baseConnString(t *testing.T) string {
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("PostgreSQL unavailable, skipping integration test: %v", containerErr)
	}
	return sharedConnStr
}

// newTestStore creates a dedicated database for the test, runs migrations
// and returns a Store with the given byte budget.
func newTestStore(t *testing.T, limitBytes int64) *store.Store {
	t.Helper()
	ctx := context.Background()

	admin, err := sql.Open("pgx", baseConnString(t))
	require.NoError(t, err)
	defer admin.Close()

	suffix := make([]byte, 4)
	_, err = rand.Read(suffix)
	require.NoError(t, err)
	dbName := "unsgate_test_" + hex.EncodeToString(suffix)

	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+dbName)
	require.NoError(t, err)

	db, err := sql.Open("pgx", withDBName(baseConnString(t), dbName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.RunMigrations(db, dbName))

	st, err := store.New(ctx, db, limitBytes)
	require.NoError(t, err)
	return st
}

// withDBName points a postgres:// connection string at a different database.
func withDBName(connStr, dbName string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return connStr
	}
	u.Path = "/" + dbName
	return u.String()
}

func appendEvent(t *testing.T, st *store.Store, brokerID, topic, payload string) models.Event {
	t.Helper()
	ev := models.Event{BrokerID: brokerID, Topic: topic, Payload: []byte(payload)}
	require.NoError(t, st.Append(context.Background(), &ev))
	return ev
}

func TestAppendAndGetLatest(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	appendEvent(t, st, "b1", "f/1/temp", `{"v":1}`)
	appendEvent(t, st, "b1", "f/1/temp", `{"v":2}`)

	ev, err := st.GetLatest(ctx, "", "f/1/temp")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(ev.Payload))

	_, err = st.GetLatest(ctx, "", "never/seen")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.GetLatest(ctx, "other-broker", "f/1/temp")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHistoryNewestFirst(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		appendEvent(t, st, "b1", "f/1/temp", fmt.Sprintf(`{"v":%d}`, i))
	}

	events, err := st.GetHistory(ctx, "", "f/1/temp", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.JSONEq(t, `{"v":5}`, string(events[0].Payload))
	assert.JSONEq(t, `{"v":3}`, string(events[2].Payload))
}

func TestRecentAcrossTopics(t *testing.T) {
	st := newTestStore(t, 1<<20)

	appendEvent(t, st, "b1", "a/1", "1")
	appendEvent(t, st, "b1", "b/2", "2")
	appendEvent(t, st, "b2", "c/3", "3")

	events, err := st.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c/3", events[0].Topic)
	assert.Equal(t, "b/2", events[1].Topic)
}

func TestRangeWithPattern(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)
	appendEvent(t, st, "b1", "f/1/temp", "1")
	appendEvent(t, st, "b1", "f/2/temp", "2")
	appendEvent(t, st, "b1", "g/1/hum", "3")
	end := time.Now().UTC().Add(time.Minute)

	events, err := st.Range(ctx, start, end, "f/+/temp", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "f/1/temp", events[0].Topic, "range is oldest first")

	_, err = st.Range(ctx, start, end, "f/#/bad", 10)
	assert.Error(t, err, "invalid pattern is rejected")
}

func TestSearchFulltext(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	appendEvent(t, st, "b1", "f/1/temp", `{"unit":"celsius"}`)
	appendEvent(t, st, "b2", "f/2/hum", `{"unit":"percent"}`)
	ev := models.Event{BrokerID: "b1", Topic: "f/3/raw", Payload: []byte{0xff, 0xfe}}
	require.NoError(t, st.Append(ctx, &ev))

	events, err := st.SearchFulltext(ctx, "celsius", "", nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "f/1/temp", events[0].Topic)

	// Topic text matches too.
	events, err = st.SearchFulltext(ctx, "f/2", "", nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Broker scope.
	events, err = st.SearchFulltext(ctx, "unit", "b2", nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "b2", events[0].BrokerID)

	_, err = st.SearchFulltext(ctx, "x", "", nil, nil, 10)
	assert.True(t, store.IsValidationError(err))
}

func TestSearchByTemplate(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	appendEvent(t, st, "b1", "f/1/temp", `{"v":10,"unit":"c"}`)
	appendEvent(t, st, "b1", "f/2/temp", `{"v":20,"unit":"c"}`)
	appendEvent(t, st, "b1", "f/3/temp", "not json")

	events, err := st.SearchByTemplate(ctx, "f/+/temp", map[string]any{"v": float64(20)}, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "f/2/temp", events[0].Topic)

	// No filters: pattern match alone, non-JSON included.
	events, err = st.SearchByTemplate(ctx, "f/+/temp", nil, "", 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestPrunePatternAndTopics(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	appendEvent(t, st, "b1", "f/1/temp", "1")
	appendEvent(t, st, "b1", "f/1/temp", "2")
	appendEvent(t, st, "b1", "g/1/hum", "3")

	topics, err := st.Topics(ctx)
	require.NoError(t, err)
	assert.Len(t, topics, 2)

	deleted, err := st.PrunePattern(ctx, "f/#", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	topics, err = st.Topics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "g/1/hum", topics[0].Topic)

	stats := st.Stats()
	assert.Equal(t, int64(1), stats.TotalRows)
}

func TestStatsAccounting(t *testing.T) {
	st := newTestStore(t, 1<<20)

	appendEvent(t, st, "b1", "a", "12345")
	appendEvent(t, st, "b1", "b", "1234567890")

	stats := st.Stats()
	assert.Equal(t, int64(2), stats.TotalRows)
	assert.Equal(t, int64(15), stats.Bytes)
	assert.Equal(t, int64(1<<20), stats.LimitBytes)
	assert.False(t, stats.PruningActive)
}

func TestRetentionPrunesOldest(t *testing.T) {
	// Budget fits only a handful of 1 KiB payloads.
	st := newTestStore(t, 4096)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := st.StartRetention(ctx)
	payload := make([]byte, 1024)
	for i := 0; i < 10; i++ {
		ev := models.Event{BrokerID: "b1", Topic: fmt.Sprintf("t/%d", i), Payload: payload}
		require.NoError(t, st.Append(context.Background(), &ev))
	}

	require.Eventually(t, func() bool {
		return st.Stats().Bytes <= 4096
	}, 10*time.Second, 100*time.Millisecond, "retention should prune below the budget")

	// Oldest rows went first.
	_, err := st.GetLatest(context.Background(), "", "t/0")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetLatest(context.Background(), "", "t/9")
	assert.NoError(t, err)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retention loop did not stop")
	}
}

func TestMapperConfigRoundTrip(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	_, err := st.GetMapperConfig(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	cfg := &models.MapperConfig{
		ActiveVersionID: "v_1",
		Versions: []models.MapperVersion{
			{ID: "v_1", Name: "default", CreatedAt: time.Now().UTC()},
		},
	}
	require.NoError(t, st.SaveMapperConfig(ctx, cfg))

	loaded, err := st.GetMapperConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v_1", loaded.ActiveVersionID)
	require.Len(t, loaded.Versions, 1)
	assert.Equal(t, "default", loaded.Versions[0].Name)

	// Save replaces the single document.
	cfg.Versions[0].Name = "renamed"
	require.NoError(t, st.SaveMapperConfig(ctx, cfg))
	loaded, err = st.GetMapperConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "renamed", loaded.Versions[0].Name)
}

func TestAlertRuleCRUD(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	rule := &models.AlertRule{
		Name:          "hot",
		TopicPattern:  "f/+/temp",
		Severity:      models.SeverityWarning,
		ConditionCode: "return msg.payload.v > 70",
	}
	require.NoError(t, st.CreateAlertRule(ctx, rule))
	require.NotEmpty(t, rule.ID)

	rules, err := st.ListAlertRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	rule.Severity = models.SeverityCritical
	require.NoError(t, st.UpdateAlertRule(ctx, rule))
	got, err := st.GetAlertRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, got.Severity)

	require.NoError(t, st.DeleteAlertRule(ctx, rule.ID))
	_, err = st.GetAlertRule(ctx, rule.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	bad := &models.AlertRule{Name: "x", TopicPattern: "f/#", Severity: "extreme", ConditionCode: "return true"}
	assert.True(t, store.IsValidationError(st.CreateAlertRule(ctx, bad)))
}

func TestAlertLifecycle(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	alert := &models.Alert{
		RuleID:       "11111111-1111-1111-1111-111111111111",
		RuleName:     "hot",
		Topic:        "f/1/temp",
		TriggerValue: `{"v":90}`,
		Severity:     models.SeverityWarning,
	}
	require.NoError(t, st.InsertAlert(ctx, alert))
	assert.Equal(t, models.AlertStatusNew, alert.Status)

	latest, err := st.LatestAlertForRuleTopic(ctx, alert.RuleID, alert.Topic)
	require.NoError(t, err)
	assert.Equal(t, alert.ID, latest.ID)

	require.NoError(t, st.TouchAlert(ctx, alert.ID, `{"v":95}`))
	got, err := st.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"v":95}`, got.TriggerValue)

	// Enrichment hop: new -> analyzing -> back to new with the result.
	require.NoError(t, st.SetAlertAnalyzing(ctx, alert.ID))
	assert.ErrorIs(t, st.SetAlertAnalyzing(ctx, alert.ID), store.ErrConflict)
	require.NoError(t, st.CompleteAlertAnalysis(ctx, alert.ID, "looks like a sensor fault"))
	got, err = st.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusNew, got.Status)
	assert.Equal(t, "looks like a sensor fault", got.AnalysisResult)

	// Operator transitions.
	updated, err := st.TransitionAlert(ctx, alert.ID, models.AlertStatusAcknowledged, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.HandledBy)

	_, err = st.TransitionAlert(ctx, alert.ID, models.AlertStatusNew, "alice")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = st.TransitionAlert(ctx, alert.ID, models.AlertStatusResolved, "alice")
	require.NoError(t, err)

	// Resolved is absorbing.
	_, err = st.TransitionAlert(ctx, alert.ID, models.AlertStatusAcknowledged, "alice")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestChatSessionOwnership(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	session := &models.ChatSession{
		SessionID: "s1",
		UserID:    "alice",
		Messages:  []models.ChatMessage{{Role: "user", Content: "hi"}},
	}
	require.NoError(t, st.SaveChatSession(ctx, session))

	got, err := st.GetChatSession(ctx, "s1", "alice")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)

	_, err = st.GetChatSession(ctx, "s1", "bob")
	assert.ErrorIs(t, err, store.ErrNotAllowed)

	intruder := &models.ChatSession{SessionID: "s1", UserID: "bob"}
	assert.ErrorIs(t, st.SaveChatSession(ctx, intruder), store.ErrNotAllowed)

	sessions, err := st.ListChatSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Empty(t, sessions[0].Messages, "listing omits transcripts")

	assert.ErrorIs(t, st.DeleteChatSession(ctx, "s1", "bob"), store.ErrNotFound)
	require.NoError(t, st.DeleteChatSession(ctx, "s1", "alice"))
	_, err = st.GetChatSession(ctx, "s1", "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTouchUserAndList(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, st.TouchUser(ctx, "alice", false))
	require.NoError(t, st.TouchUser(ctx, "alice", true))
	require.NoError(t, st.TouchUser(ctx, "bob", false))

	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)

	byID := map[string]models.User{}
	for _, u := range users {
		byID[u.ID] = u
	}
	assert.True(t, byID["alice"].Admin, "admin flag is sticky once granted")

	require.NoError(t, st.DeleteUser(ctx, "bob"))
	users, err = st.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestQueryReadOnly(t *testing.T) {
	st := newTestStore(t, 1<<20)
	ctx := context.Background()

	appendEvent(t, st, "b1", "f/1/temp", `{"v":1}`)

	rows, err := st.QueryReadOnly(ctx, "SELECT topic, broker_id FROM events")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "f/1/temp", rows[0]["topic"])

	_, err = st.QueryReadOnly(ctx, "DELETE FROM events")
	assert.Error(t, err)
	_, err = st.QueryReadOnly(ctx, "SELECT 1; SELECT 2")
	assert.Error(t, err)
}
