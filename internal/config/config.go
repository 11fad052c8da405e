package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ServiceName     string
	CoreDatabaseURL string
	DBMaxConns      int
	HTTPListenAddr  string
	MetricsAddr     string
	LogLevel        string
	// LogFormat is "json" or "console".
	LogFormat string

	TemporalAddress       string
	TemporalNamespace     string
	TemporalTaskQueue     string
	TemporalTLSCert       string
	TemporalTLSKey        string
	TemporalTLSCACert     string
	TemporalTLSServerName string

	// SchedulerToken is the static bearer credential shared with the external
	// timer that calls the scan and poll entry points.
	SchedulerToken string
	// CredentialsSecret is the key material integration tokens are encrypted with.
	CredentialsSecret string
	RedisURL          string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string
	SlackClientID      string
	SlackClientSecret  string

	PlansFile                      string
	ScanIntervalSeconds            int
	MaxScanLookbackSeconds         int
	MaxConcurrentExecutionsPerUser int
	PollBatchSize                  int
}

func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:     getEnv("SERVICE_NAME", ""),
		CoreDatabaseURL: getEnv("CORE_DATABASE_URL", ""),
		HTTPListenAddr:  getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsAddr:     getEnv("METRICS_ADDR", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),

		TemporalAddress:       getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace:     getEnv("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue:     getEnv("TEMPORAL_TASK_QUEUE", "autoflow-tasks"),
		TemporalTLSCert:       getEnv("TEMPORAL_TLS_CERT", ""),
		TemporalTLSKey:        getEnv("TEMPORAL_TLS_KEY", ""),
		TemporalTLSCACert:     getEnv("TEMPORAL_TLS_CA_CERT", ""),
		TemporalTLSServerName: getEnv("TEMPORAL_TLS_SERVER_NAME", ""),

		SchedulerToken:    getEnv("SCHEDULER_TOKEN", ""),
		CredentialsSecret: getEnv("CREDENTIALS_SECRET", ""),
		RedisURL:          getEnv("REDIS_URL", ""),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GitHubClientID:     getEnv("GITHUB_CLIENT_ID", ""),
		GitHubClientSecret: getEnv("GITHUB_CLIENT_SECRET", ""),
		SlackClientID:      getEnv("SLACK_CLIENT_ID", ""),
		SlackClientSecret:  getEnv("SLACK_CLIENT_SECRET", ""),

		PlansFile: getEnv("PLANS_FILE", ""),
	}

	var err error
	if cfg.DBMaxConns, err = getEnvInt("DB_MAX_CONNS", 20); err != nil {
		return nil, err
	}
	if cfg.ScanIntervalSeconds, err = getEnvInt("SCAN_INTERVAL_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.MaxScanLookbackSeconds, err = getEnvInt("MAX_SCAN_LOOKBACK_SECONDS", 600); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentExecutionsPerUser, err = getEnvInt("MAX_CONCURRENT_EXECUTIONS_PER_USER", 10); err != nil {
		return nil, err
	}
	if cfg.PollBatchSize, err = getEnvInt("POLL_BATCH_SIZE", 100); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the variables required by the given binary are set.
// All missing variables are reported at once.
func (c *Config) Validate(role string) error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	switch role {
	case "core-api":
		require("CORE_DATABASE_URL", c.CoreDatabaseURL)
		require("TEMPORAL_ADDRESS", c.TemporalAddress)
		require("HTTP_LISTEN_ADDR", c.HTTPListenAddr)
		require("SCHEDULER_TOKEN", c.SchedulerToken)
		require("CREDENTIALS_SECRET", c.CredentialsSecret)
	case "worker":
		require("CORE_DATABASE_URL", c.CoreDatabaseURL)
		require("TEMPORAL_ADDRESS", c.TemporalAddress)
		require("CREDENTIALS_SECRET", c.CredentialsSecret)
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if (c.TemporalTLSCert == "") != (c.TemporalTLSKey == "") {
		return fmt.Errorf("TEMPORAL_TLS_CERT and TEMPORAL_TLS_KEY must both be set")
	}
	if c.ScanIntervalSeconds <= 0 {
		return fmt.Errorf("SCAN_INTERVAL_SECONDS must be positive")
	}
	if c.MaxConcurrentExecutionsPerUser <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_EXECUTIONS_PER_USER must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
