// Package config loads and validates the gateway configuration from the
// environment. All settings are flat env vars (optionally seeded from a
// .env file by the caller); broker connections are declared by listing
// their IDs in BROKERS and configuring each via BROKER_<ID>_* vars.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/unsgate/unsgate/pkg/topic"
)

// BrokerConfig is one upstream MQTT connection.
type BrokerConfig struct {
	ID           string
	URL          string
	Username     string
	Password     string
	Subscribe    []string // topic filters subscribed on connect
	PublishAllow []string // patterns outbound publishes must match
}

// LLMConfig holds the language-model endpoint settings. An empty APIKey
// disables chat and alert enrichment; everything else keeps working.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// AuthConfig controls request identity resolution.
type AuthConfig struct {
	JWTSecret string // HS256 secret for Bearer tokens
	DevUser   string // fallback identity when no token is presented
}

// ToolFlags gates which tool families the chat agent may use.
type ToolFlags struct {
	Read      bool
	Semantic  bool
	Publish   bool
	Files     bool
	Simulator bool
	Mapper    bool
	Admin     bool
}

// Config is the resolved gateway configuration.
type Config struct {
	Brokers []BrokerConfig

	Port     string
	BasePath string

	StoreLimitBytes        int64
	MaxSavedMapperVersions int
	MapperMaxHops          int

	LLM   LLMConfig
	Auth  AuthConfig
	Tools ToolFlags
}

// Defaults not overridable per deployment concern.
const (
	defaultStoreLimitMB = 512
	defaultMaxVersions  = 20
	defaultMaxHops      = 4
	defaultLLMTimeout   = 120 * time.Second
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// splitList splits a comma-separated env value, trimming blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "8000"),
		BasePath: strings.TrimRight(getEnv("BASE_PATH", ""), "/"),
		LLM: LLMConfig{
			APIKey:  os.Getenv("LLM_API_KEY"),
			BaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			Model:   getEnv("LLM_MODEL", "gpt-4o"),
			Timeout: defaultLLMTimeout,
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
			DevUser:   getEnv("AUTH_DEV_USER", "local-dev"),
		},
		Tools: ToolFlags{
			Read:      getEnvBool("LLM_TOOL_ENABLE_READ", true),
			Semantic:  getEnvBool("LLM_TOOL_ENABLE_SEMANTIC", true),
			Publish:   getEnvBool("LLM_TOOL_ENABLE_PUBLISH", false),
			Files:     getEnvBool("LLM_TOOL_ENABLE_FILES", false),
			Simulator: getEnvBool("LLM_TOOL_ENABLE_SIMULATOR", false),
			Mapper:    getEnvBool("LLM_TOOL_ENABLE_MAPPER", false),
			Admin:     getEnvBool("LLM_TOOL_ENABLE_ADMIN", false),
		},
	}

	limitMB, err := getEnvInt("DB_SIZE_LIMIT_MB", defaultStoreLimitMB)
	if err != nil {
		return nil, err
	}
	if limitMB <= 0 {
		return nil, fmt.Errorf("DB_SIZE_LIMIT_MB must be positive, got %d", limitMB)
	}
	cfg.StoreLimitBytes = int64(limitMB) * 1024 * 1024

	cfg.MaxSavedMapperVersions, err = getEnvInt("MAX_SAVED_MAPPER_VERSIONS", defaultMaxVersions)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSavedMapperVersions < 1 {
		return nil, fmt.Errorf("MAX_SAVED_MAPPER_VERSIONS must be at least 1, got %d", cfg.MaxSavedMapperVersions)
	}

	cfg.MapperMaxHops, err = getEnvInt("MAPPER_MAX_HOPS", defaultMaxHops)
	if err != nil {
		return nil, err
	}
	if cfg.MapperMaxHops < 1 {
		return nil, fmt.Errorf("MAPPER_MAX_HOPS must be at least 1, got %d", cfg.MapperMaxHops)
	}

	cfg.Brokers, err = loadBrokers()
	if err != nil {
		return nil, err
	}

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT %q: %w", cfg.Port, err)
	}
	if cfg.BasePath != "" && !strings.HasPrefix(cfg.BasePath, "/") {
		return nil, fmt.Errorf("BASE_PATH must start with '/', got %q", cfg.BasePath)
	}

	return cfg, nil
}

// loadBrokers resolves the BROKERS list and each broker's BROKER_<ID>_* vars.
// The env key segment is the broker ID uppercased with '-' mapped to '_'.
func loadBrokers() ([]BrokerConfig, error) {
	ids := splitList(os.Getenv("BROKERS"))
	if len(ids) == 0 {
		return nil, fmt.Errorf("BROKERS must declare at least one broker ID")
	}

	seen := make(map[string]bool, len(ids))
	brokers := make([]BrokerConfig, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("duplicate broker ID %q in BROKERS", id)
		}
		seen[id] = true

		key := strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
		b := BrokerConfig{
			ID:           id,
			URL:          os.Getenv("BROKER_" + key + "_URL"),
			Username:     os.Getenv("BROKER_" + key + "_USERNAME"),
			Password:     os.Getenv("BROKER_" + key + "_PASSWORD"),
			Subscribe:    splitList(getEnv("BROKER_"+key+"_SUBSCRIBE", "#")),
			PublishAllow: splitList(getEnv("BROKER_"+key+"_PUBLISH_ALLOW", "#")),
		}
		if err := validateBroker(b); err != nil {
			return nil, err
		}
		brokers = append(brokers, b)
	}
	return brokers, nil
}

func validateBroker(b BrokerConfig) error {
	if b.URL == "" {
		return fmt.Errorf("broker %q: missing BROKER_*_URL", b.ID)
	}
	u, err := url.Parse(b.URL)
	if err != nil {
		return fmt.Errorf("broker %q: invalid URL: %w", b.ID, err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("broker %q: unsupported URL scheme %q", b.ID, u.Scheme)
	}
	for _, f := range b.Subscribe {
		if _, err := topic.Compile(f); err != nil {
			return fmt.Errorf("broker %q: invalid subscribe filter %q: %w", b.ID, f, err)
		}
	}
	for _, f := range b.PublishAllow {
		if _, err := topic.Compile(f); err != nil {
			return fmt.Errorf("broker %q: invalid publish allow pattern %q: %w", b.ID, f, err)
		}
	}
	return nil
}

// Broker returns the configuration for the given broker ID.
func (c *Config) Broker(id string) (BrokerConfig, bool) {
	for _, b := range c.Brokers {
		if b.ID == id {
			return b, true
		}
	}
	return BrokerConfig{}, false
}

// LLMEnabled reports whether language-model backed features are configured.
func (c *Config) LLMEnabled() bool {
	return c.LLM.APIKey != ""
}
