package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Upstream speech-model channel. "mock" is the only built-in backend;
	// real transports register through the upstream factory.
	UpstreamBackend string

	// AWS-backed services. Empty table or knowledge base IDs select the
	// in-memory fallbacks.
	AWSRegion       string
	DynamoTable     string
	KnowledgeBaseID string
	KBMaxResults    int

	// CORS allowlist; empty disables cross-origin access.
	CORSAllowedOrigins map[string]struct{}

	// WebSocket session limits and timing.
	MaxMessageBytes       int64
	WSReadTimeout         time.Duration
	WSWriteTimeout        time.Duration
	WSPingInterval        time.Duration
	OverrideWait          time.Duration
	DisconnectGrace       time.Duration
	CommandTimeout        time.Duration
	OutboundQueueSize     int
	MaxProtocolViolations int

	// Idle reaping.
	ReapPeriod    time.Duration
	IdleThreshold time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("VOICE_RELAY_ADDR", ":8080"),
		UpstreamBackend:       envOr("VOICE_RELAY_UPSTREAM_BACKEND", "mock"),
		AWSRegion:             envOr("VOICE_RELAY_AWS_REGION", "us-east-1"),
		DynamoTable:           strings.TrimSpace(os.Getenv("VOICE_RELAY_DYNAMO_TABLE")),
		KnowledgeBaseID:       strings.TrimSpace(os.Getenv("VOICE_RELAY_KNOWLEDGE_BASE_ID")),
		KBMaxResults:          envIntOr("VOICE_RELAY_KB_MAX_RESULTS", 3),
		CORSAllowedOrigins:    make(map[string]struct{}),
		MaxMessageBytes:       envInt64Or("VOICE_RELAY_MAX_MESSAGE_BYTES", 64*1024),
		WSReadTimeout:         envDurationOr("VOICE_RELAY_WS_READ_TIMEOUT", 0),
		WSWriteTimeout:        envDurationOr("VOICE_RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:        envDurationOr("VOICE_RELAY_WS_PING_INTERVAL", 20*time.Second),
		OverrideWait:          envDurationOr("VOICE_RELAY_OVERRIDE_WAIT", 300*time.Millisecond),
		DisconnectGrace:       envDurationOr("VOICE_RELAY_DISCONNECT_GRACE", 3*time.Second),
		CommandTimeout:        envDurationOr("VOICE_RELAY_COMMAND_TIMEOUT", 5*time.Second),
		OutboundQueueSize:     envIntOr("VOICE_RELAY_OUTBOUND_QUEUE_SIZE", 128),
		MaxProtocolViolations: envIntOr("VOICE_RELAY_MAX_PROTOCOL_VIOLATIONS", 3),
		ReapPeriod:            envDurationOr("VOICE_RELAY_REAP_PERIOD", 60*time.Second),
		IdleThreshold:         envDurationOr("VOICE_RELAY_IDLE_THRESHOLD", 5*time.Minute),
		ReadHeaderTimeout:     envDurationOr("VOICE_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("VOICE_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOICE_RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.UpstreamBackend) == "" {
		return Config{}, fmt.Errorf("VOICE_RELAY_UPSTREAM_BACKEND must not be empty")
	}
	if cfg.KBMaxResults <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_KB_MAX_RESULTS must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.OverrideWait <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_OVERRIDE_WAIT must be > 0")
	}
	if cfg.DisconnectGrace <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_DISCONNECT_GRACE must be > 0")
	}
	if cfg.CommandTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_COMMAND_TIMEOUT must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.MaxProtocolViolations <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_MAX_PROTOCOL_VIOLATIONS must be > 0")
	}
	if cfg.ReapPeriod <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_REAP_PERIOD must be > 0")
	}
	if cfg.IdleThreshold <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_IDLE_THRESHOLD must be > 0")
	}
	if cfg.IdleThreshold < cfg.ReapPeriod {
		return Config{}, fmt.Errorf("VOICE_RELAY_IDLE_THRESHOLD must be >= VOICE_RELAY_REAP_PERIOD")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
