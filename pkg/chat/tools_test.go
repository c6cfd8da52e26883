package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsgate/unsgate/pkg/config"
	"github.com/unsgate/unsgate/pkg/models"
)

// stubToolStore serves canned events to the read tools.
type stubToolStore struct {
	latest  *models.Event
	history []models.Event
}

func (s *stubToolStore) Topics(context.Context) ([]models.TopicInfo, error) { return nil, nil }

func (s *stubToolStore) GetLatest(context.Context, string, string) (*models.Event, error) {
	return s.latest, nil
}

func (s *stubToolStore) GetHistory(context.Context, string, string, int) ([]models.Event, error) {
	return s.history, nil
}

func (s *stubToolStore) SearchFulltext(context.Context, string, string, *time.Time, *time.Time, int) ([]models.Event, error) {
	return s.history, nil
}

func (s *stubToolStore) SearchByTemplate(context.Context, string, map[string]any, string, int) ([]models.Event, error) {
	return s.history, nil
}

func (s *stubToolStore) PrunePattern(context.Context, string, string) (int64, error) { return 0, nil }

func (s *stubToolStore) ListUsers(context.Context) ([]models.User, error) { return nil, nil }

func findTool(t *testing.T, tools []Tool, name string) Tool {
	t.Helper()
	for _, tool := range tools {
		if tool.Spec.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %q not in catalogue", name)
	return Tool{}
}

func TestCatalogueHonorsFlags(t *testing.T) {
	deps := Deps{Store: &stubToolStore{}}

	assert.Empty(t, Catalogue(config.ToolFlags{}, deps))

	readOnly := Catalogue(config.ToolFlags{Read: true}, deps)
	findTool(t, readOnly, "get_latest")
	for _, tool := range readOnly {
		assert.NotEqual(t, "prune_topic", tool.Spec.Name)
	}
}

func TestGetLatestToolCarriesPayload(t *testing.T) {
	st := &stubToolStore{latest: &models.Event{
		BrokerID: "b1", Topic: "f/1/temp", Payload: []byte(`{"v":22.5}`),
	}}
	tools := readTools(Deps{Store: st})

	result, err := findTool(t, tools, "get_latest").Handle(
		context.Background(), Identity{UserID: "u1"}, json.RawMessage(`{"topic":"f/1/temp"}`))
	require.NoError(t, err)

	var out struct {
		BrokerID string `json:"broker_id"`
		Topic    string `json:"topic"`
		Payload  string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(result), &out))
	assert.Equal(t, "b1", out.BrokerID)
	assert.Equal(t, "f/1/temp", out.Topic)
	assert.Equal(t, `{"v":22.5}`, out.Payload, "the model sees the message payload")
}

func TestGetHistoryToolCarriesPayloads(t *testing.T) {
	st := &stubToolStore{history: []models.Event{
		{BrokerID: "b1", Topic: "f/1/temp", Payload: []byte(`{"v":2}`)},
		{BrokerID: "b1", Topic: "f/1/temp", Payload: []byte(`{"v":1}`)},
	}}
	tools := readTools(Deps{Store: st})

	result, err := findTool(t, tools, "get_history").Handle(
		context.Background(), Identity{UserID: "u1"}, json.RawMessage(`{"topic":"f/1/temp"}`))
	require.NoError(t, err)

	var out []struct {
		Payload string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(result), &out))
	require.Len(t, out, 2)
	assert.Equal(t, `{"v":2}`, out[0].Payload)
	assert.Equal(t, `{"v":1}`, out[1].Payload)
}
