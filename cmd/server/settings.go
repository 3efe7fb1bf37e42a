package main

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"stream-supervisor/internal/platform/config"
	"stream-supervisor/internal/routing"
	"stream-supervisor/internal/session"
)

// settings is everything the server reads from the environment.
type settings struct {
	Port      string
	LogLevel  string
	LogFormat string
	LogFile   string

	FFmpegPath     string
	FFmpegLogLevel string
	PublishURL     string
	Namespace      string
	CompatCommand  []string

	PublicRTSPURL   string
	PublicHLSURL    string
	PublicWebRTCURL string

	HealthWindow   time.Duration
	PollInterval   time.Duration
	GracePeriod    time.Duration
	ReapInterval   time.Duration
	ReadyPattern   *regexp.Regexp
	OutputLimit    int
	AllowedSchemes []string

	BackendURL      string
	InternalHost    string
	BackendTimeout  time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration

	CORSOrigins     []string
	RateLimit       int
	ShutdownTimeout time.Duration
	MetricsEnabled  bool
}

func loadSettings() (settings, error) {
	s := settings{
		Port:      config.GetEnv("PORT", "8080"),
		LogLevel:  config.GetEnv("LOG_LEVEL", "info"),
		LogFormat: config.GetEnv("LOG_FORMAT", "json"),
		LogFile:   config.GetEnv("LOG_FILE", ""),

		FFmpegPath:     config.GetEnv("FFMPEG_PATH", "ffmpeg"),
		FFmpegLogLevel: config.GetEnv("FFMPEG_LOG_LEVEL", "warning"),
		PublishURL:     config.GetEnv("RELAY_PUBLISH_URL", "rtsp://localhost:8554"),
		Namespace:      config.GetEnv("STREAM_NAMESPACE", "live"),
		CompatCommand:  strings.Fields(config.GetEnv("COMPAT_COMMAND", "")),

		PublicRTSPURL:   config.GetEnv("PUBLIC_RTSP_URL", "rtsp://localhost:8554"),
		PublicHLSURL:    config.GetEnv("PUBLIC_HLS_URL", ""),
		PublicWebRTCURL: config.GetEnv("PUBLIC_WEBRTC_URL", ""),

		HealthWindow:   config.GetEnvDuration("HEALTH_WINDOW", session.DefaultHealthWindow),
		PollInterval:   config.GetEnvDuration("POLL_INTERVAL", 50*time.Millisecond),
		GracePeriod:    config.GetEnvDuration("GRACE_PERIOD", session.DefaultGracePeriod),
		ReapInterval:   config.GetEnvDuration("REAP_INTERVAL", session.DefaultReapInterval),
		OutputLimit:    config.GetEnvInt("OUTPUT_LIMIT_BYTES", 64<<10),
		AllowedSchemes: config.GetEnvList("ALLOWED_SOURCE_SCHEMES", session.DefaultSchemes),

		BackendURL:      config.GetEnv("MEDIAMTX_API_URL", "http://localhost:9997/v3"),
		InternalHost:    config.GetEnv("MEDIAMTX_INTERNAL_HOST", ""),
		BackendTimeout:  config.GetEnvDuration("MEDIAMTX_TIMEOUT", routing.DefaultTimeout),
		BreakerFailures: config.GetEnvInt("MEDIAMTX_BREAKER_FAILURES", 5),
		BreakerCooldown: config.GetEnvDuration("MEDIAMTX_BREAKER_COOLDOWN", 30*time.Second),

		CORSOrigins:     config.GetEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimit:       config.GetEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		ShutdownTimeout: config.GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		MetricsEnabled:  config.GetEnvBool("METRICS_ENABLED", true),
	}

	if p := config.GetEnv("READY_PATTERN", ""); p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return settings{}, fmt.Errorf("READY_PATTERN: %w", err)
		}
		s.ReadyPattern = re
	}
	if s.BreakerFailures < 1 {
		return settings{}, fmt.Errorf("MEDIAMTX_BREAKER_FAILURES must be positive, got %d", s.BreakerFailures)
	}
	if s.RateLimit < 1 {
		return settings{}, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", s.RateLimit)
	}
	if _, err := s.planner().Plan(session.Request{Key: "probe", Source: session.Source{Kind: session.SourceFile, Input: "probe"}}); err != nil {
		return settings{}, fmt.Errorf("RELAY_PUBLISH_URL: %w", err)
	}
	return s, nil
}

func (s settings) planner() session.FFmpegPlanner {
	return session.FFmpegPlanner{
		Binary:        s.FFmpegPath,
		LogLevel:      s.FFmpegLogLevel,
		PublishURL:    s.PublishURL,
		Namespace:     s.Namespace,
		CompatCommand: s.CompatCommand,
	}
}

func (s settings) supervisorConfig() session.Config {
	return session.Config{
		Namespace:       s.Namespace,
		PublicRTSPURL:   s.PublicRTSPURL,
		PublicHLSURL:    s.PublicHLSURL,
		PublicWebRTCURL: s.PublicWebRTCURL,
		HealthWindow:    s.HealthWindow,
		PollInterval:    s.PollInterval,
		ReadyPattern:    s.ReadyPattern,
		GracePeriod:     s.GracePeriod,
		ReapInterval:    s.ReapInterval,
		OutputLimit:     s.OutputLimit,
		AllowedSchemes:  s.AllowedSchemes,
	}
}

func (s settings) routingConfig() routing.Config {
	return routing.Config{
		BaseURL:         s.BackendURL,
		InternalHost:    s.InternalHost,
		Timeout:         s.BackendTimeout,
		BreakerFailures: uint32(s.BreakerFailures),
		BreakerCooldown: s.BreakerCooldown,
	}
}
