package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Backend session
	BackendURL string `envconfig:"BACKEND_URL" default:"http://localhost:5001/api"`
	AuthToken  string `envconfig:"AUTH_TOKEN"`
	SessionID  string `envconfig:"SESSION_ID"`

	// Model settings forwarded with every task start
	Language      string `envconfig:"LANGUAGE" default:"en"`
	ModelPlatform string `envconfig:"MODEL_PLATFORM" default:"openai"`
	ModelType     string `envconfig:"MODEL_TYPE" default:"gpt-4.1"`
	ModelAPIKey   string `envconfig:"MODEL_API_KEY"`
	ModelAPIURL   string `envconfig:"MODEL_API_URL"`

	// Execution subscription channel
	SubscriptionURL          string        `envconfig:"SUBSCRIPTION_URL" default:"ws://localhost:5001/api/execution/subscribe"`
	SubscriptionEnabled      bool          `envconfig:"SUBSCRIPTION_ENABLED" default:"true"`
	SubscriptionPingInterval time.Duration `envconfig:"SUBSCRIPTION_PING_INTERVAL" default:"2m"`
	SubscriptionPongTimeout  time.Duration `envconfig:"SUBSCRIPTION_PONG_TIMEOUT" default:"10s"`
	SubscriptionDebounce     time.Duration `envconfig:"SUBSCRIPTION_DEBOUNCE" default:"3s"`
	SubscriptionBaseDelay    time.Duration `envconfig:"SUBSCRIPTION_BASE_DELAY" default:"1s"`
	SubscriptionMaxAttempts  int           `envconfig:"SUBSCRIPTION_MAX_ATTEMPTS" default:"5"`

	// Timeline auto-advance
	AutoConfirmTimeout time.Duration `envconfig:"AUTO_CONFIRM_TIMEOUT" default:"30s"`
	AutoSkipTimeout    time.Duration `envconfig:"AUTO_SKIP_TIMEOUT" default:"30s"`

	// Trigger configuration cache
	TriggerCacheSize int           `envconfig:"TRIGGER_CACHE_SIZE" default:"256"`
	TriggerCacheTTL  time.Duration `envconfig:"TRIGGER_CACHE_TTL" default:"5m"`

	// Control API
	ControlListenAddr     string `envconfig:"CONTROL_LISTEN_ADDR" default:"127.0.0.1:8090"`
	ControlAuthMode       string `envconfig:"CONTROL_AUTH_MODE" default:"api-key"`
	ControlAPIKey         string `envconfig:"CONTROL_API_KEY"`
	ControlRateLimitRPS   int    `envconfig:"CONTROL_RATE_LIMIT_RPS" default:"50"`
	ControlRateLimitBurst int    `envconfig:"CONTROL_RATE_LIMIT_BURST" default:"100"`

	// Dead-letter store
	DBPath string `envconfig:"DB_PATH" default:"taskpilot.db"`

	// Artifacts
	ArtifactBackend  string `envconfig:"ARTIFACT_BACKEND" default:"local"` // "local" or "s3"
	ArtifactDir      string `envconfig:"ARTIFACT_DIR" default:"artifacts"`
	ArtifactS3Bucket string `envconfig:"ARTIFACT_S3_BUCKET"`
	ArtifactS3Prefix string `envconfig:"ARTIFACT_S3_PREFIX" default:"taskpilot/"`
	AWSRegion        string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Local runtime bridge
	ToolManifestPath string `envconfig:"TOOL_MANIFEST_PATH"`
	AutomationPort   int    `envconfig:"AUTOMATION_PORT" default:"9222"`
}

// Authenticated returns true if a session token is configured.
func (c *Config) Authenticated() bool {
	return c.AuthToken != ""
}

// S3Artifacts returns true if artifacts go to S3 instead of a local directory.
func (c *Config) S3Artifacts() bool {
	return strings.EqualFold(c.ArtifactBackend, "s3")
}

// Validate checks combinations envconfig cannot express.
func (c *Config) Validate() error {
	switch strings.ToLower(c.ArtifactBackend) {
	case "local":
	case "s3":
		if c.ArtifactS3Bucket == "" {
			return fmt.Errorf("ARTIFACT_S3_BUCKET is required when ARTIFACT_BACKEND=s3")
		}
	default:
		return fmt.Errorf("invalid ARTIFACT_BACKEND %q, expected local or s3", c.ArtifactBackend)
	}
	switch c.ControlAuthMode {
	case "api-key":
		if c.ControlAPIKey == "" {
			return fmt.Errorf("CONTROL_API_KEY is required when CONTROL_AUTH_MODE=api-key")
		}
	case "none":
	default:
		return fmt.Errorf("invalid CONTROL_AUTH_MODE %q, expected api-key or none", c.ControlAuthMode)
	}
	if c.SubscriptionMaxAttempts < 1 {
		return fmt.Errorf("SUBSCRIPTION_MAX_ATTEMPTS must be >= 1")
	}
	if c.TriggerCacheSize < 1 {
		return fmt.Errorf("TRIGGER_CACHE_SIZE must be >= 1")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
