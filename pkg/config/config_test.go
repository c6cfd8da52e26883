package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("BROKERS", "plant-a")
	t.Setenv("BROKER_PLANT_A_URL", "tcp://localhost:1883")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, "", cfg.BasePath)
	assert.Equal(t, int64(512)*1024*1024, cfg.StoreLimitBytes)
	assert.Equal(t, 20, cfg.MaxSavedMapperVersions)
	assert.Equal(t, 4, cfg.MapperMaxHops)
	assert.False(t, cfg.LLMEnabled())
	assert.True(t, cfg.Tools.Read)
	assert.False(t, cfg.Tools.Publish)

	require.Len(t, cfg.Brokers, 1)
	b := cfg.Brokers[0]
	assert.Equal(t, "plant-a", b.ID)
	assert.Equal(t, []string{"#"}, b.Subscribe)
	assert.Equal(t, []string{"#"}, b.PublishAllow)
}

func TestLoad_MultipleBrokers(t *testing.T) {
	t.Setenv("BROKERS", "plant-a, cloud")
	t.Setenv("BROKER_PLANT_A_URL", "tcp://localhost:1883")
	t.Setenv("BROKER_CLOUD_URL", "ssl://broker.example.com:8883")
	t.Setenv("BROKER_CLOUD_USERNAME", "gateway")
	t.Setenv("BROKER_CLOUD_PASSWORD", "secret")
	t.Setenv("BROKER_CLOUD_SUBSCRIBE", "uns/#, spBv1.0/#")
	t.Setenv("BROKER_CLOUD_PUBLISH_ALLOW", "uns/mapped/#")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Brokers, 2)

	cloud, ok := cfg.Broker("cloud")
	require.True(t, ok)
	assert.Equal(t, "gateway", cloud.Username)
	assert.Equal(t, []string{"uns/#", "spBv1.0/#"}, cloud.Subscribe)
	assert.Equal(t, []string{"uns/mapped/#"}, cloud.PublishAllow)

	_, ok = cfg.Broker("missing")
	assert.False(t, ok)
}

func TestLoad_NoBrokers(t *testing.T) {
	t.Setenv("BROKERS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKERS")
}

func TestLoad_DuplicateBroker(t *testing.T) {
	t.Setenv("BROKERS", "a,a")
	t.Setenv("BROKER_A_URL", "tcp://localhost:1883")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate broker ID")
}

func TestLoad_BadBrokerURL(t *testing.T) {
	t.Setenv("BROKERS", "a")
	t.Setenv("BROKER_A_URL", "http://localhost:1883")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}

func TestLoad_BadSubscribeFilter(t *testing.T) {
	t.Setenv("BROKERS", "a")
	t.Setenv("BROKER_A_URL", "tcp://localhost:1883")
	t.Setenv("BROKER_A_SUBSCRIBE", "uns/#/more")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid subscribe filter")
}

func TestLoad_BadNumbers(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DB_SIZE_LIMIT_MB", "-1")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("DB_SIZE_LIMIT_MB", "256")
	t.Setenv("MAX_SAVED_MAPPER_VERSIONS", "0")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("MAX_SAVED_MAPPER_VERSIONS", "5")
	t.Setenv("PORT", "not-a-port")
	_, err = Load()
	require.Error(t, err)
}

func TestLoad_BasePath(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BASE_PATH", "/uns/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/uns", cfg.BasePath)

	t.Setenv("BASE_PATH", "uns")
	_, err = Load()
	require.Error(t, err)
}

func TestLoad_LLMAndTools(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("LLM_MODEL", "gpt-4.1-mini")
	t.Setenv("LLM_TOOL_ENABLE_PUBLISH", "true")
	t.Setenv("LLM_TOOL_ENABLE_READ", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.LLMEnabled())
	assert.Equal(t, "gpt-4.1-mini", cfg.LLM.Model)
	assert.True(t, cfg.Tools.Publish)
	assert.False(t, cfg.Tools.Read)
}
