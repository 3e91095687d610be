package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrThresholdOrder is returned when the alert thresholds are out of range
// or misordered.
var ErrThresholdOrder = errors.New("thresholds: suspicionMin must be below fraudThreshold, both within 0..100")

// Config holds the complete Vigil configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	EventBus   EventBusConfig   `mapstructure:"eventbus" json:"eventBus"`

	// Pipeline settings
	Thresholds Thresholds       `mapstructure:"thresholds" json:"thresholds"`
	Scoring    ScoringConfig    `mapstructure:"scoring" json:"scoring"`
	Escalation []EscalationRule `mapstructure:"escalation" json:"escalation"`
	SLA        SLAConfig        `mapstructure:"sla" json:"sla"`
	Worker     WorkerConfig     `mapstructure:"worker" json:"worker"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Validate checks cross-field constraints that cannot be expressed as defaults.
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver %q", c.Repository.Driver)
	}
	if c.Scoring.ClassifierURL == "" {
		return errors.New("scoring.classifier_url is required")
	}
	for _, r := range c.Escalation {
		if r.ID == "" || r.Expression == "" {
			return fmt.Errorf("escalation rule %q: id and expression are required", r.ID)
		}
	}
	return nil
}

// Thresholds are the shared alerting thresholds, in percent.
// A single instance is loaded at startup and shared read-only.
type Thresholds struct {
	FraudThreshold float64 `mapstructure:"fraud_threshold" json:"fraudThreshold"`
	SuspicionMin   float64 `mapstructure:"suspicion_min" json:"suspicionMin"`
}

// DefaultThresholds returns fraudThreshold 85 and suspicionMin 50.
func DefaultThresholds() Thresholds {
	return Thresholds{FraudThreshold: 85, SuspicionMin: 50}
}

// Validate enforces 0 <= suspicionMin < fraudThreshold <= 100.
func (t Thresholds) Validate() error {
	if t.SuspicionMin < 0 || t.FraudThreshold > 100 || t.SuspicionMin >= t.FraudThreshold {
		return fmt.Errorf("%w (fraudThreshold=%v, suspicionMin=%v)", ErrThresholdOrder, t.FraudThreshold, t.SuspicionMin)
	}
	return nil
}

// Band classifies a percentage score into safe / suspicious / fraudulent.
func (t Thresholds) Band(percent float64) Band {
	switch {
	case percent >= t.FraudThreshold:
		return BandFraudulent
	case percent >= t.SuspicionMin:
		return BandSuspicious
	default:
		return BandSafe
	}
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host" json:"host"`
	Port         int           `mapstructure:"port" json:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"writeTimeout"`
	MaxUploadMB  int64         `mapstructure:"max_upload_mb" json:"maxUploadMb"`

	// AllowedOrigins lists the console origins allowed by CORS. Empty allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowedOrigins"`
}

// ScoringConfig holds the external scoring services settings.
type ScoringConfig struct {
	ClassifierURL     string        `mapstructure:"classifier_url" json:"classifierUrl"`
	ClassifierTimeout time.Duration `mapstructure:"classifier_timeout" json:"classifierTimeout"`
	TamperingURL      string        `mapstructure:"tampering_url" json:"tamperingUrl"` // empty disables tampering
	TamperingTimeout  time.Duration `mapstructure:"tampering_timeout" json:"tamperingTimeout"`
	TamperingQuality  int           `mapstructure:"tampering_quality" json:"tamperingQuality"`
	APIKey            string        `mapstructure:"api_key" json:"-"`

	// ProjectionTimeout bounds historique projection once a verdict exists,
	// independently of the caller's context.
	ProjectionTimeout time.Duration `mapstructure:"projection_timeout" json:"projectionTimeout"`
}

// EscalationRule is a CEL expression over the verdict; when it evaluates to
// true a fraudulent alert is raised to critical.
type EscalationRule struct {
	ID          string `mapstructure:"id" json:"id"`
	Description string `mapstructure:"description" json:"description"`
	Expression  string `mapstructure:"expression" json:"expression"`
}

// SLAConfig holds the alert resolution deadlines per severity.
type SLAConfig struct {
	Critical time.Duration `mapstructure:"critical" json:"critical"`
	High     time.Duration `mapstructure:"high" json:"high"`
	Medium   time.Duration `mapstructure:"medium" json:"medium"`
	Low      time.Duration `mapstructure:"low" json:"low"`
}

// For returns the deadline duration for a severity.
func (s SLAConfig) For(sev Severity) time.Duration {
	switch sev {
	case SeverityCritical:
		return s.Critical
	case SeverityHigh:
		return s.High
	case SeverityMedium:
		return s.Medium
	default:
		return s.Low
	}
}

// DefaultSLA returns 4h/24h/72h/168h.
func DefaultSLA() SLAConfig {
	return SLAConfig{
		Critical: 4 * time.Hour,
		High:     24 * time.Hour,
		Medium:   72 * time.Hour,
		Low:      168 * time.Hour,
	}
}

// WorkerConfig holds the background retry worker settings.
type WorkerConfig struct {
	Enabled       bool          `mapstructure:"enabled" json:"enabled"`
	PoolSize      int           `mapstructure:"pool_size" json:"poolSize"`
	RetryInterval time.Duration `mapstructure:"retry_interval" json:"retryInterval"`
	RetryAfter    time.Duration `mapstructure:"retry_after" json:"retryAfter"` // minimum age of a pending event
	BatchSize     int           `mapstructure:"batch_size" json:"batchSize"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" json:"serviceName"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			MaxUploadMB:  20,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./vigil.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  10000,
			LocalMaxBytes: 256 << 20,
			LocalTTL:      5 * time.Minute,
			RisqueTTL:     5 * time.Minute,
			DocumentTTL:   24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Thresholds: DefaultThresholds(),
		Scoring: ScoringConfig{
			ClassifierURL:     "http://localhost:8000/predict",
			ClassifierTimeout: 30 * time.Second,
			TamperingTimeout:  20 * time.Second,
			TamperingQuality:  90,
			ProjectionTimeout: 10 * time.Second,
		},
		SLA: DefaultSLA(),
		Worker: WorkerConfig{
			Enabled:       true,
			PoolSize:      4,
			RetryInterval: time.Minute,
			RetryAfter:    2 * time.Minute,
			BatchSize:     50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "vigil",
		},
	}
}
