// Package config loads runtime configuration for the ezchat binaries.
//
// Precedence is command-line flag > environment variable > built-in default:
// environment values become flag defaults, so an explicit flag always wins.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "EZCHAT_LISTEN_ADDR"
	envVarServerAddr      = "EZCHAT_SERVER_ADDR"
	envVarMode            = "EZCHAT_MODE"
	envVarLogFormat       = "EZCHAT_LOG_FORMAT"
	envVarLogLevel        = "EZCHAT_LOG_LEVEL"
	envVarShutdownTimeout = "EZCHAT_SHUTDOWN_TIMEOUT"
	envVarMembershipMode  = "EZCHAT_MEMBERSHIP_MODE"
	envVarMaxFrameBytes   = "EZCHAT_MAX_FRAME_BYTES"
	envVarWriteTimeout    = "EZCHAT_WRITE_TIMEOUT"
	envVarSendQueueLen    = "EZCHAT_SEND_QUEUE_LEN"
	envVarMaxFramesPerSec = "EZCHAT_MAX_FRAMES_PER_SEC"

	envVarRedisAddr     = "EZCHAT_REDIS_ADDR"
	envVarRedisPassword = "EZCHAT_REDIS_PASSWORD"
	envVarRedisDB       = "EZCHAT_REDIS_DB"

	envVarRoom     = "EZCHAT_ROOM"
	envVarUsername = "EZCHAT_USERNAME"

	DefaultAddr           = "localhost:8080"
	DefaultShutdown       = 15 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultSendQueueLen   = 64
	DefaultMaxFrameBytes  = int64(4 << 20) // attachments travel inline as data URIs
	DefaultMode           = ModeDev
	DefaultMembershipMode = MembershipEvents

	// DefaultMaxFramesPerSec caps inbound frames per session. ICE trickling
	// bursts a few dozen frames; a chatty client stays far below this.
	DefaultMaxFramesPerSec = 50
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// MembershipMode selects how the server tells a room about membership
// changes. The two observed client generations expect different frames, so
// this is a deployment choice rather than hard-coded behavior.
type MembershipMode string

const (
	// MembershipEvents sends room-info to the joiner and user-joined /
	// user-left deltas to everyone else.
	MembershipEvents MembershipMode = "events"
	// MembershipSnapshot sends a fresh room-info to every member of the room
	// on each join and leave.
	MembershipSnapshot MembershipMode = "snapshot"
)

type Config struct {
	// ListenAddr is the signaling server's host:port.
	ListenAddr string
	// ServerAddr is the signaling server a client dials (host:port).
	ServerAddr string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	MembershipMode MembershipMode

	// MaxFrameBytes caps one inbound WebSocket frame. Messages carry
	// attachments inline, so this is the effective attachment size limit.
	MaxFrameBytes int64
	// WriteTimeout bounds one best-effort send to one recipient.
	WriteTimeout time.Duration
	// SendQueueLen is the per-session outbound frame queue; a full queue
	// drops the frame for that recipient rather than blocking the broadcast.
	SendQueueLen int
	// MaxFramesPerSec caps inbound frames per session; 0 disables the cap.
	MaxFramesPerSec int

	// Redis-backed message store. Empty addr selects the in-memory store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Client identity. Empty values fall back to the persisted identity.
	Room     string
	Username string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultAddr)
	serverAddr := envOrDefault(lookup, envVarServerAddr, DefaultAddr)
	membershipModeStr := envOrDefault(lookup, envVarMembershipMode, string(DefaultMembershipMode))
	room := envOrDefault(lookup, envVarRoom, "")
	username := envOrDefault(lookup, envVarUsername, "")

	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	writeTimeout := DefaultWriteTimeout
	if raw, ok := lookup(envVarWriteTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWriteTimeout, raw, err)
		}
		writeTimeout = d
	}

	sendQueueLen, err := envIntOrDefault(lookup, envVarSendQueueLen, DefaultSendQueueLen)
	if err != nil {
		return Config{}, err
	}

	maxFramesPerSec, err := envIntOrDefault(lookup, envVarMaxFramesPerSec, DefaultMaxFramesPerSec)
	if err != nil {
		return Config{}, err
	}

	maxFrameBytes := DefaultMaxFrameBytes
	if raw, ok := lookup(envVarMaxFrameBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxFrameBytes, raw, err)
		}
		maxFrameBytes = n
	}

	fs := flag.NewFlagSet("ezchat", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Signaling listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&serverAddr, "server", serverAddr, "Signaling server address to dial (host:port; env "+envVarServerAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&membershipModeStr, "membership-mode", membershipModeStr, "Membership relay mode: events or snapshot (env "+envVarMembershipMode+")")
	fs.Int64Var(&maxFrameBytes, "max-frame-bytes", maxFrameBytes, "Max inbound WebSocket frame size in bytes (env "+envVarMaxFrameBytes+")")
	fs.DurationVar(&writeTimeout, "write-timeout", writeTimeout, "Per-recipient WebSocket write timeout (env "+envVarWriteTimeout+")")
	fs.IntVar(&sendQueueLen, "send-queue-len", sendQueueLen, "Per-session outbound frame queue length (env "+envVarSendQueueLen+")")
	fs.IntVar(&maxFramesPerSec, "max-frames-per-sec", maxFramesPerSec, "Per-session inbound frame rate cap, 0 disables (env "+envVarMaxFramesPerSec+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for the message store; empty = in-memory (env "+envVarRedisAddr+")")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "Redis password (env "+envVarRedisPassword+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.StringVar(&room, "room", room, "Room to join (env "+envVarRoom+"; falls back to persisted room, then default-room)")
	fs.StringVar(&username, "name", username, "Display name (env "+envVarUsername+"; falls back to persisted name)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	membershipMode, err := parseMembershipMode(membershipModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if serverAddr == "" {
		return Config{}, fmt.Errorf("server address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if writeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--write-timeout must be > 0", envVarWriteTimeout)
	}
	if sendQueueLen <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-len must be > 0", envVarSendQueueLen)
	}
	if maxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-frame-bytes must be > 0", envVarMaxFrameBytes)
	}
	if maxFramesPerSec < 0 {
		return Config{}, fmt.Errorf("%s/--max-frames-per-sec must be >= 0", envVarMaxFramesPerSec)
	}

	return Config{
		ListenAddr:      listenAddr,
		ServerAddr:      serverAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		MembershipMode:  membershipMode,
		MaxFrameBytes:   maxFrameBytes,
		WriteTimeout:    writeTimeout,
		SendQueueLen:    sendQueueLen,
		MaxFramesPerSec: maxFramesPerSec,
		RedisAddr:       redisAddr,
		RedisPassword:   redisPassword,
		RedisDB:         redisDB,
		Room:            room,
		Username:        username,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

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
	if v, ok := lookup(key); ok && v != "" {
		return v
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

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseMembershipMode(raw string) (MembershipMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MembershipEvents):
		return MembershipEvents, nil
	case string(MembershipSnapshot):
		return MembershipSnapshot, nil
	default:
		return "", fmt.Errorf("invalid membership mode %q (expected events or snapshot)", raw)
	}
}
