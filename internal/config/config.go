package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

// Config contains all runtime settings for the call metrics service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	TracingEnabled   bool
	ServiceName      string

	LogLevel  string
	LogFormat string
	LogDir    string
	LogToFile bool

	MetricsDir      string
	TimestampPolicy callmetrics.Policy

	IdlePromptAfter     time.Duration
	IdleHangupAfter     time.Duration
	GoodbyeDelay        time.Duration
	IdlePollInterval    time.Duration
	SpeechSecondsPerChr float64
	JanitorInterval     time.Duration
	SessionRetention    time.Duration

	TelephonyMode       string
	LiveKitURL          string
	LiveKitAPIKey       string
	LiveKitAPISecret    string
	SIPOutboundTrunkID  string
	AgentName           string
	DefaultPhoneNumber  string
	TelephonyReqTimeout time.Duration

	DatabaseURL string

	AMQPURL       string
	AMQPQueueName string
}

// Load reads a .env file when present, then environment variables, and
// applies safe defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "turnmetrics"),
		ServiceName:         envOrDefault("APP_SERVICE_NAME", "turnmetrics"),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		LogDir:              envOrDefault("LOG_DIR", "logs"),
		LogToFile:           true,
		MetricsDir:          envOrDefault("METRICS_DIR", "logs"),
		TelephonyMode:       strings.ToLower(envOrDefault("TELEPHONY_MODE", "auto")),
		LiveKitURL:          stringsTrimSpace("LIVEKIT_URL"),
		LiveKitAPIKey:       stringsTrimSpace("LIVEKIT_API_KEY"),
		LiveKitAPISecret:    stringsTrimSpace("LIVEKIT_API_SECRET"),
		SIPOutboundTrunkID:  stringsTrimSpace("SIP_OUTBOUND_TRUNK_ID"),
		AgentName:           envOrDefault("AGENT_NAME", "asset_management_agent"),
		DefaultPhoneNumber:  stringsTrimSpace("PHONE_NUMBER"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		AMQPURL:             stringsTrimSpace("AMQP_URL"),
		AMQPQueueName:       envOrDefault("AMQP_QUEUE_NAME", "voice-agent-metrics"),
		ShutdownTimeout:     15 * time.Second,
		IdlePromptAfter:     10 * time.Second,
		IdleHangupAfter:     30 * time.Second,
		GoodbyeDelay:        3 * time.Second,
		IdlePollInterval:    time.Second,
		SpeechSecondsPerChr: 0.05,
		JanitorInterval:     5 * time.Second,
		SessionRetention:    10 * time.Minute,
		TelephonyReqTimeout: 10 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TracingEnabled, err = boolFromEnv("APP_TRACING_ENABLED", cfg.TracingEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.LogToFile, err = boolFromEnv("LOG_TO_FILE", cfg.LogToFile)
	if err != nil {
		return Config{}, err
	}
	cfg.TimestampPolicy, err = callmetrics.ParsePolicy(stringsTrimSpace("METRICS_NEGATIVE_POLICY"))
	if err != nil {
		return Config{}, fmt.Errorf("METRICS_NEGATIVE_POLICY: %w", err)
	}
	cfg.IdlePromptAfter, err = durationFromEnv("CALL_IDLE_PROMPT_AFTER", cfg.IdlePromptAfter)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleHangupAfter, err = durationFromEnv("CALL_IDLE_HANGUP_AFTER", cfg.IdleHangupAfter)
	if err != nil {
		return Config{}, err
	}
	cfg.GoodbyeDelay, err = durationFromEnv("CALL_GOODBYE_DELAY", cfg.GoodbyeDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.IdlePollInterval, err = durationFromEnv("CALL_IDLE_POLL_INTERVAL", cfg.IdlePollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechSecondsPerChr, err = floatFromEnv("CALL_SPEECH_SECONDS_PER_CHAR", cfg.SpeechSecondsPerChr)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("CALL_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("CALL_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.TelephonyReqTimeout, err = durationFromEnv("TELEPHONY_REQUEST_TIMEOUT", cfg.TelephonyReqTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.IdlePromptAfter <= 0 {
		return Config{}, fmt.Errorf("CALL_IDLE_PROMPT_AFTER must be positive")
	}
	if cfg.IdleHangupAfter <= cfg.IdlePromptAfter {
		return Config{}, fmt.Errorf("CALL_IDLE_HANGUP_AFTER must be greater than CALL_IDLE_PROMPT_AFTER")
	}
	if cfg.IdlePollInterval <= 0 {
		return Config{}, fmt.Errorf("CALL_IDLE_POLL_INTERVAL must be positive")
	}
	if cfg.GoodbyeDelay < 0 {
		return Config{}, fmt.Errorf("CALL_GOODBYE_DELAY must be >= 0")
	}
	if cfg.SpeechSecondsPerChr < 0 {
		return Config{}, fmt.Errorf("CALL_SPEECH_SECONDS_PER_CHAR must be >= 0")
	}
	if cfg.JanitorInterval <= 0 {
		return Config{}, fmt.Errorf("CALL_JANITOR_INTERVAL must be positive")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json")
	}
	switch cfg.TelephonyMode {
	case "auto", "mock":
	case "livekit":
		if cfg.LiveKitURL == "" || cfg.LiveKitAPIKey == "" || cfg.LiveKitAPISecret == "" {
			return Config{}, fmt.Errorf("TELEPHONY_MODE=livekit requires LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET")
		}
		if !strings.HasPrefix(cfg.SIPOutboundTrunkID, "ST_") {
			return Config{}, fmt.Errorf("SIP_OUTBOUND_TRUNK_ID must start with ST_ when TELEPHONY_MODE=livekit")
		}
	default:
		return Config{}, fmt.Errorf("TELEPHONY_MODE must be auto, livekit or mock")
	}

	return cfg, nil
}

// TelephonyBackend resolves "auto" to livekit when credentials are present
// and to mock otherwise.
func (c Config) TelephonyBackend() string {
	if c.TelephonyMode != "auto" {
		return c.TelephonyMode
	}
	if c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != "" {
		return "livekit"
	}
	return "mock"
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
