package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the sync client reads from the environment.
type Config struct {
	Service     string
	Environment string

	APIBaseURL  string
	PushURL     string
	AccessToken string
	LocalUserID string

	OperatorMode bool

	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	RefreshInterval  time.Duration
	RefreshDebounce  time.Duration
	RefreshFullEvery int
	ListPageSize     int
	HistoryPageSize  int
	MarkReadLimit    int

	TypingTTL      time.Duration
	TypingDebounce time.Duration
	TypingMaxWait  time.Duration
	SweepInterval  time.Duration
	EchoWindow     time.Duration

	DebugAddr  string
	DebugToken string

	AMQPURL       string
	AuditExchange string
	AuditRouting  string

	OTLPEndpoint    string
	TraceSampleRate float64
}

// Load reads an optional dotenv file and then the process environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load dotenv: %w", err)
		}
		log.Printf("[config] no .env file, using process environment")
	}

	cfg := &Config{
		Service:     getEnv("SERVICE_NAME", "chat-sync"),
		Environment: getEnv("APP_ENV", "development"),

		APIBaseURL:  strings.TrimRight(getEnv("CHAT_API_URL", "http://localhost:8083"), "/"),
		PushURL:     getEnv("CHAT_PUSH_URL", "ws://localhost:8083/ws/sync"),
		AccessToken: os.Getenv("CHAT_ACCESS_TOKEN"),
		LocalUserID: os.Getenv("CHAT_USER_ID"),

		OperatorMode: getEnvAsBool("CHAT_OPERATOR_MODE", false),

		CommandTimeout:   getEnvAsDuration("CHAT_COMMAND_TIMEOUT", 15*time.Second),
		HandshakeTimeout: getEnvAsDuration("CHAT_HANDSHAKE_TIMEOUT", 10*time.Second),
		ReconnectInitial: getEnvAsDuration("CHAT_RECONNECT_INITIAL", time.Second),
		ReconnectMax:     getEnvAsDuration("CHAT_RECONNECT_MAX", 30*time.Second),

		RefreshInterval:  getEnvAsDuration("CHAT_REFRESH_INTERVAL", 30*time.Second),
		RefreshDebounce:  getEnvAsDuration("CHAT_REFRESH_DEBOUNCE", 500*time.Millisecond),
		RefreshFullEvery: getEnvAsInt("CHAT_REFRESH_FULL_EVERY", 10),
		ListPageSize:     getEnvAsInt("CHAT_LIST_PAGE_SIZE", 100),
		HistoryPageSize:  getEnvAsInt("CHAT_HISTORY_PAGE_SIZE", 50),
		MarkReadLimit:    getEnvAsInt("CHAT_MARK_READ_CONCURRENCY", 4),

		TypingTTL:      getEnvAsDuration("CHAT_TYPING_TTL", 3*time.Second),
		TypingDebounce: getEnvAsDuration("CHAT_TYPING_DEBOUNCE", 300*time.Millisecond),
		TypingMaxWait:  getEnvAsDuration("CHAT_TYPING_MAX_WAIT", 2*time.Second),
		SweepInterval:  getEnvAsDuration("CHAT_TYPING_SWEEP", 500*time.Millisecond),
		EchoWindow:     getEnvAsDuration("CHAT_ECHO_WINDOW", 30*time.Second),

		DebugAddr:  getEnv("DEBUG_ADDR", ":9090"),
		DebugToken: os.Getenv("DEBUG_TOKEN"),

		AMQPURL:       os.Getenv("AMQP_URL"),
		AuditExchange: getEnv("AUDIT_EXCHANGE", "chat.audit"),
		AuditRouting:  getEnv("AUDIT_ROUTING_KEY", "chat_sync.audit"),

		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRate: getEnvAsFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
	}

	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("CHAT_ACCESS_TOKEN is required")
	}
	if cfg.LocalUserID == "" {
		return nil, fmt.Errorf("CHAT_USER_ID is required")
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		log.Printf("[config] CHAT_RECONNECT_MAX=%s below initial %s, using initial", cfg.ReconnectMax, cfg.ReconnectInitial)
		cfg.ReconnectMax = cfg.ReconnectInitial
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, raw, fallback)
		return fallback
	}
	return v
}

func getEnvAsBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %t", key, raw, fallback)
		return fallback
	}
	return v
}

func getEnvAsFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		log.Printf("[config] invalid %s=%q, using %g", key, raw, fallback)
		return fallback
	}
	return v
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, raw, fallback)
		return fallback
	}
	return v
}
