// Package config loads the signaling service configuration from environment
// variables with command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "CONSULT_SIGNALING_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "CONSULT_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "CONSULT_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "CONSULT_SIGNALING_SHUTDOWN_TIMEOUT"

	// Socket auth.
	envVarAuthMode             = "AUTH_MODE"
	envVarTokenSecret          = "TOKEN_SECRET"
	envVarSignalingAuthTimeout = "SIGNALING_AUTH_TIMEOUT"

	// Inbound WebSocket hardening.
	envVarWSIdleTimeout                 = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval                = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Room lifecycle knobs.
	envVarMaxParticipants   = "MAX_PARTICIPANTS"
	envVarReconnectGrace    = "RECONNECT_GRACE_PERIOD"
	envVarEmptyRoomDelay    = "EMPTY_ROOM_DELAY"
	envVarMetricsInterval   = "METRICS_INTERVAL"
	envVarMetricsHistory    = "METRICS_HISTORY"
	envVarSweepInterval     = "ROOM_SWEEP_INTERVAL"
	envVarIdleRoomThreshold = "IDLE_ROOM_THRESHOLD"

	// External collaborators. Empty values select in-process no-op
	// implementations (dev mode).
	envVarPostgresDSN         = "POSTGRES_DSN"
	envVarNATSURL             = "NATS_URL"
	envVarEntitlementURL      = "ENTITLEMENT_SERVICE_URL"
	envVarRecordingServiceURL = "RECORDING_SERVICE_URL"

	// ICE servers advertised to clients in the post-auth config frame.
	envVarSTUNURLs = "STUN_URLS"

	// TURN relay advertised via /ice. Credentials are minted per request
	// with the coturn REST shared-secret scheme; empty secret disables TURN.
	envVarTURNURLs          = "TURN_URLS"
	envVarTURNSecret        = "TURN_SECRET"
	envVarTURNCredentialTTL = "TURN_CREDENTIAL_TTL"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultSignalingAuthTimeout = 2 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second

	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultMaxParticipants   = 2
	DefaultReconnectGrace    = 30 * time.Second
	DefaultEmptyRoomDelay    = 60 * time.Second
	DefaultMetricsInterval   = 5 * time.Second
	DefaultMetricsHistory    = 1000
	DefaultSweepInterval     = 5 * time.Minute
	DefaultIdleRoomThreshold = 30 * time.Minute

	DefaultSTUNURL           = "stun:stun.l.google.com:19302"
	DefaultTURNCredentialTTL = 10 * time.Minute
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	// AuthModeNone trusts userId/displayName query parameters. Dev only.
	AuthModeNone AuthMode = "none"
	// AuthModeToken requires an HS256 consultation token minted by the
	// booking backend.
	AuthModeToken AuthMode = "token"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode             AuthMode
	TokenSecret          string
	SignalingAuthTimeout time.Duration

	WSIdleTimeout                 time.Duration
	WSPingInterval                time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	MaxParticipants   int
	ReconnectGrace    time.Duration
	EmptyRoomDelay    time.Duration
	MetricsInterval   time.Duration
	MetricsHistory    int
	SweepInterval     time.Duration
	IdleRoomThreshold time.Duration

	PostgresDSN         string
	NATSURL             string
	EntitlementURL      string
	RecordingServiceURL string

	STUNURLs []string

	TURNURLs          []string
	TURNSecret        string
	TURNCredentialTTL time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		ShutdownTimeout: DefaultShutdownTimeout,

		AuthMode:             AuthModeNone,
		TokenSecret:          envOrDefault(lookup, envVarTokenSecret, ""),
		SignalingAuthTimeout: DefaultSignalingAuthTimeout,

		WSIdleTimeout:                 DefaultWSIdleTimeout,
		WSPingInterval:                DefaultWSPingInterval,
		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,

		MaxParticipants:   DefaultMaxParticipants,
		ReconnectGrace:    DefaultReconnectGrace,
		EmptyRoomDelay:    DefaultEmptyRoomDelay,
		MetricsInterval:   DefaultMetricsInterval,
		MetricsHistory:    DefaultMetricsHistory,
		SweepInterval:     DefaultSweepInterval,
		IdleRoomThreshold: DefaultIdleRoomThreshold,

		PostgresDSN:         envOrDefault(lookup, envVarPostgresDSN, ""),
		NATSURL:             envOrDefault(lookup, envVarNATSURL, ""),
		EntitlementURL:      envOrDefault(lookup, envVarEntitlementURL, ""),
		RecordingServiceURL: envOrDefault(lookup, envVarRecordingServiceURL, ""),
	}

	var err error
	if cfg.LogFormat, err = parseLogFormat(envOrDefault(lookup, envVarLogFormat, string(LogFormatText))); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info")); err != nil {
		return Config{}, err
	}
	if cfg.AuthMode, err = parseAuthMode(envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = splitList(envOrDefault(lookup, envVarAllowedOrigins, ""))
	cfg.STUNURLs = splitList(envOrDefault(lookup, envVarSTUNURLs, DefaultSTUNURL))
	cfg.TURNURLs = splitList(envOrDefault(lookup, envVarTURNURLs, ""))
	cfg.TURNSecret = envOrDefault(lookup, envVarTURNSecret, "")
	cfg.TURNCredentialTTL = DefaultTURNCredentialTTL

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{envVarShutdownTimeout, &cfg.ShutdownTimeout},
		{envVarSignalingAuthTimeout, &cfg.SignalingAuthTimeout},
		{envVarWSIdleTimeout, &cfg.WSIdleTimeout},
		{envVarWSPingInterval, &cfg.WSPingInterval},
		{envVarReconnectGrace, &cfg.ReconnectGrace},
		{envVarEmptyRoomDelay, &cfg.EmptyRoomDelay},
		{envVarMetricsInterval, &cfg.MetricsInterval},
		{envVarSweepInterval, &cfg.SweepInterval},
		{envVarIdleRoomThreshold, &cfg.IdleRoomThreshold},
		{envVarTURNCredentialTTL, &cfg.TURNCredentialTTL},
	} {
		if *d.dst, err = envDurationOrDefault(lookup, d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.MaxParticipants, err = envIntOrDefault(lookup, envVarMaxParticipants, cfg.MaxParticipants); err != nil {
		return Config{}, err
	}
	if cfg.MetricsHistory, err = envIntOrDefault(lookup, envVarMetricsHistory, cfg.MetricsHistory); err != nil {
		return Config{}, err
	}
	if cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, cfg.MaxSignalingMessagesPerSecond); err != nil {
		return Config{}, err
	}
	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(cfg.MaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxMsgBytes)

	fs := flag.NewFlagSet("consult-signaling", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "host:port to listen on")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen addr %q: %w", c.ListenAddr, err)
	}
	if c.AuthMode == AuthModeToken && c.TokenSecret == "" {
		return fmt.Errorf("%s=token requires %s", envVarAuthMode, envVarTokenSecret)
	}
	if c.MaxParticipants < 2 {
		return fmt.Errorf("%s must be at least 2, got %d", envVarMaxParticipants, c.MaxParticipants)
	}
	if c.ReconnectGrace <= 0 {
		return fmt.Errorf("%s must be positive", envVarReconnectGrace)
	}
	if c.EmptyRoomDelay <= 0 {
		return fmt.Errorf("%s must be positive", envVarEmptyRoomDelay)
	}
	if c.MetricsHistory <= 0 {
		return fmt.Errorf("%s must be positive", envVarMetricsHistory)
	}
	if len(c.TURNURLs) > 0 && c.TURNSecret == "" {
		return fmt.Errorf("%s requires %s", envVarTURNURLs, envVarTURNSecret)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(raw)) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected text or json)", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(raw)) {
	case AuthModeNone:
		return AuthModeNone, nil
	case AuthModeToken:
		return AuthModeToken, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected none or token)", envVarAuthMode, raw)
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
