package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server     ServerConfig     `koanf:"server"`
	Auction    AuctionConfig    `koanf:"auction"`
	Bidder     BidderConfig     `koanf:"bidder"`
	Transport  TransportConfig  `koanf:"transport"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Routing    RoutingConfig    `koanf:"routing"`
	Reputation ReputationConfig `koanf:"reputation"`
	Advisor    AdvisorConfig    `koanf:"advisor"`
	Redis      RedisConfig      `koanf:"redis"`
	NATS       NATSConfig       `koanf:"nats"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Security   SecurityConfig   `koanf:"security"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AuctionConfig carries the bid window and execution protocol deadlines.
type AuctionConfig struct {
	DefaultWindowMs      int     `koanf:"default_window_ms" validate:"gt=0"`
	MinWindowMs          int     `koanf:"min_window_ms" validate:"gt=0"`
	MaxWindowMs          int     `koanf:"max_window_ms" validate:"gt=0"`
	InstantWinThreshold  float64 `koanf:"instant_win_threshold" validate:"gte=0,lte=1"`
	DominanceMargin      float64 `koanf:"dominance_margin" validate:"gte=0,lte=1"`
	ConfidenceFloor      float64 `koanf:"confidence_floor" validate:"gte=0,lte=1"`
	MaxAuctionAttempts   int     `koanf:"max_auction_attempts" validate:"gt=0"`
	ExecutionTimeoutMs   int     `koanf:"execution_timeout_ms" validate:"gt=0"`
	AckTimeoutMs         int     `koanf:"ack_timeout_ms" validate:"gt=0"`
	HeartbeatExtensionMs int     `koanf:"heartbeat_extension_ms" validate:"gt=0"`
	SpokenAckDelayMs     int     `koanf:"spoken_ack_delay_ms"`
	SafetyTimerMs        int     `koanf:"safety_timer_ms" validate:"gt=0"`
	SuppressionWindowMs  int     `koanf:"suppression_window_ms" validate:"gt=0"`
}

type BidderConfig struct {
	BidTimeoutMs     int `koanf:"bid_timeout_ms" validate:"gt=0"`
	CircuitThreshold int `koanf:"circuit_threshold" validate:"gt=0"`
	CircuitResetMs   int `koanf:"circuit_reset_ms" validate:"gt=0"`
}

type TransportConfig struct {
	HeartbeatIntervalMs int             `koanf:"heartbeat_interval_ms" validate:"gt=0"`
	HeartbeatTimeoutMs  int             `koanf:"heartbeat_timeout_ms" validate:"gt=0"`
	HealthSweepMs       int             `koanf:"health_sweep_ms" validate:"gt=0"`
	MaxMessageBytes     int64           `koanf:"max_message_bytes"`
	SendBufferSize      int             `koanf:"send_buffer_size"`
	Reconnect           ReconnectConfig `koanf:"reconnect"`
}

type ReconnectConfig struct {
	MaxAttempts int `koanf:"max_attempts" validate:"gt=0"`
	BaseDelayMs int `koanf:"base_delay_ms" validate:"gt=0"`
	MaxDelayMs  int `koanf:"max_delay_ms" validate:"gt=0"`
}

type PipelineConfig struct {
	DedupWindowMs          int `koanf:"dedup_window_ms" validate:"gt=0"`
	ProcessingLockSafetyMs int `koanf:"processing_lock_safety_ms" validate:"gt=0"`
	FilterTimeoutMs        int `koanf:"filter_timeout_ms" validate:"gt=0"`
	InactivityTimeoutMs    int `koanf:"inactivity_timeout_ms" validate:"gt=0"`
	MaxTurns               int `koanf:"max_turns" validate:"gt=0"`
	HistoryCharBudget      int `koanf:"history_char_budget" validate:"gt=0"`
}

type RoutingConfig struct {
	CacheTTLMs         int `koanf:"cache_ttl_ms" validate:"gt=0"`
	AdvisorTimeoutMs   int `koanf:"advisor_timeout_ms" validate:"gt=0"`
	PreScreenThreshold int `koanf:"pre_screen_threshold" validate:"gt=0"`
	PreScreenMax       int `koanf:"pre_screen_max" validate:"gt=0"`
	DecomposeMinWords  int `koanf:"decompose_min_words" validate:"gt=0"`
}

type ReputationConfig struct {
	WindowMs         int     `koanf:"window_ms" validate:"gt=0"`
	FlagThreshold    float64 `koanf:"flag_threshold" validate:"gte=0,lte=1"`
	FailureThreshold int     `koanf:"failure_threshold" validate:"gt=0"`
	FailureWindowMs  int     `koanf:"failure_window_ms" validate:"gt=0"`
}

// AdvisorConfig points at the language-model sidecar behind the optimizer
// stages, the quality judge, the summarizer, and the master evaluator. All of
// its calls are advisory; a disabled or unreachable advisor degrades the
// exchange to plain auctions.
type AdvisorConfig struct {
	Endpoint string `koanf:"endpoint"`
	Enabled  bool   `koanf:"enabled"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Enabled  bool   `koanf:"enabled"`
}

type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Enabled       bool   `koanf:"enabled"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate" validate:"gte=0,lte=1"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

type SecurityConfig struct {
	JWTSecret string          `koanf:"jwt_secret"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gt=0"`
	BurstSize         int     `koanf:"burst_size" validate:"gt=0"`
}

// Defaults returns the configuration with every knob at its default.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8780,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auction: AuctionConfig{
			DefaultWindowMs:      8000,
			MinWindowMs:          5000,
			MaxWindowMs:          12000,
			InstantWinThreshold:  0.85,
			DominanceMargin:      0.3,
			ConfidenceFloor:      0.1,
			MaxAuctionAttempts:   3,
			ExecutionTimeoutMs:   120000,
			AckTimeoutMs:         10000,
			HeartbeatExtensionMs: 30000,
			SpokenAckDelayMs:     2500,
			SafetyTimerMs:        12000,
			SuppressionWindowMs:  30000,
		},
		Bidder: BidderConfig{
			BidTimeoutMs:     6000,
			CircuitThreshold: 15,
			CircuitResetMs:   15000,
		},
		Transport: TransportConfig{
			HeartbeatIntervalMs: 25000,
			HeartbeatTimeoutMs:  60000,
			HealthSweepMs:       30000,
			MaxMessageBytes:     1024 * 1024,
			SendBufferSize:      256,
			Reconnect: ReconnectConfig{
				MaxAttempts: 5,
				BaseDelayMs: 1000,
				MaxDelayMs:  30000,
			},
		},
		Pipeline: PipelineConfig{
			DedupWindowMs:          3000,
			ProcessingLockSafetyMs: 15000,
			FilterTimeoutMs:        5000,
			InactivityTimeoutMs:    300000,
			MaxTurns:               50,
			HistoryCharBudget:      4000,
		},
		Routing: RoutingConfig{
			CacheTTLMs:         300000,
			AdvisorTimeoutMs:   6000,
			PreScreenThreshold: 7,
			PreScreenMax:       4,
			DecomposeMinWords:  8,
		},
		Reputation: ReputationConfig{
			WindowMs:         1800000,
			FlagThreshold:    0.25,
			FailureThreshold: 3,
			FailureWindowMs:  600000,
		},
		Advisor: AdvisorConfig{
			Endpoint: "http://localhost:8781",
		},
		Redis: RedisConfig{
			URL: "localhost:6379",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "exchange",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 20,
				BurstSize:         40,
			},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// ATE_-prefixed environment variables, in that order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = "configs/exchange.yaml"
	}
	// Config file is optional.
	_ = k.Load(file.Provider(path), yaml.Parser())

	if err := k.Load(env.Provider("ATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ATE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints plus the cross-field window rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	if c.Auction.MinWindowMs > c.Auction.MaxWindowMs {
		return fmt.Errorf("validating config: auction min window %dms exceeds max %dms",
			c.Auction.MinWindowMs, c.Auction.MaxWindowMs)
	}
	// The window must fit a single bid retry.
	if c.Auction.MaxWindowMs < 2*c.Bidder.BidTimeoutMs {
		return fmt.Errorf("validating config: auction max window %dms is under twice the bid timeout %dms",
			c.Auction.MaxWindowMs, c.Bidder.BidTimeoutMs)
	}
	return nil
}
