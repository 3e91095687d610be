// Package config loads the Vigil configuration from an optional YAML file
// and VIGIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/vigil/internal/domain"
)

// ErrThresholdOrder is returned when suspicion_min >= fraud_threshold or
// either falls outside 0..100.
var ErrThresholdOrder = domain.ErrThresholdOrder

// EnvPrefix prefixes every environment override:
// thresholds.fraud_threshold is VIGIL_THRESHOLDS_FRAUD_THRESHOLD.
const EnvPrefix = "VIGIL"

// Load reads configuration from file and environment variables.
// An explicit file path must exist; otherwise vigil.yaml is looked up in
// ".", "./config" and "/etc/vigil" and is optional.
func Load(file string) (*domain.Config, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("vigil")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/vigil")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, domain.DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *domain.Config) {
	// Server
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	v.SetDefault("server.allowed_origins", []string{})

	// Repository
	v.SetDefault("repository.driver", d.Repository.Driver)
	v.SetDefault("repository.sqlite_path", d.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", "localhost")
	v.SetDefault("repository.postgres_port", 5432)
	v.SetDefault("repository.postgres_user", "vigil")
	v.SetDefault("repository.postgres_password", "")
	v.SetDefault("repository.postgres_db", "vigil")
	v.SetDefault("repository.postgres_sslmode", "disable")
	v.SetDefault("repository.max_open_conns", 0)
	v.SetDefault("repository.max_idle_conns", 0)
	v.SetDefault("repository.conn_max_lifetime", "0s")

	// Cache
	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.local_max_size", d.Cache.LocalMaxSize)
	v.SetDefault("cache.local_max_bytes", d.Cache.LocalMaxBytes)
	v.SetDefault("cache.local_ttl", d.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_pool_size", 0)
	v.SetDefault("cache.enable_two_phase", false)
	v.SetDefault("cache.risque_ttl", d.Cache.RisqueTTL)
	v.SetDefault("cache.document_ttl", d.Cache.DocumentTTL)

	// Event bus
	v.SetDefault("eventbus.type", d.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", d.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_url", "nats://localhost:4222")
	v.SetDefault("eventbus.nats_token", "")
	v.SetDefault("eventbus.nats_max_reconnects", 10)
	v.SetDefault("eventbus.nats_reconnect_wait", 5)

	// Thresholds
	v.SetDefault("thresholds.fraud_threshold", d.Thresholds.FraudThreshold)
	v.SetDefault("thresholds.suspicion_min", d.Thresholds.SuspicionMin)

	// Scoring services
	v.SetDefault("scoring.classifier_url", d.Scoring.ClassifierURL)
	v.SetDefault("scoring.classifier_timeout", d.Scoring.ClassifierTimeout)
	v.SetDefault("scoring.tampering_url", d.Scoring.TamperingURL)
	v.SetDefault("scoring.tampering_timeout", d.Scoring.TamperingTimeout)
	v.SetDefault("scoring.tampering_quality", d.Scoring.TamperingQuality)
	v.SetDefault("scoring.api_key", "")
	v.SetDefault("scoring.projection_timeout", d.Scoring.ProjectionTimeout)

	// SLA
	v.SetDefault("sla.critical", d.SLA.Critical)
	v.SetDefault("sla.high", d.SLA.High)
	v.SetDefault("sla.medium", d.SLA.Medium)
	v.SetDefault("sla.low", d.SLA.Low)

	// Retry worker
	v.SetDefault("worker.enabled", d.Worker.Enabled)
	v.SetDefault("worker.pool_size", d.Worker.PoolSize)
	v.SetDefault("worker.retry_interval", d.Worker.RetryInterval)
	v.SetDefault("worker.retry_after", d.Worker.RetryAfter)
	v.SetDefault("worker.batch_size", d.Worker.BatchSize)

	// Observability
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}
