package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	NATS struct {
		Enabled       bool   `mapstructure:"enabled"`
		URL           string `mapstructure:"url"`
		Stream        string `mapstructure:"stream"`
		SubjectPrefix string `mapstructure:"subjectPrefix"`
		MaxAgeDays    int    `mapstructure:"maxAgeDays"`
	} `mapstructure:"nats"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	Providers map[string]RatePolicyConfig `mapstructure:"providers"`
	Cache     CacheConfig                 `mapstructure:"cache"`
	Sync      SyncConfig                  `mapstructure:"sync"`
	Audit     AuditConfig                 `mapstructure:"audit"`
	Webhook   WebhookConfig               `mapstructure:"webhook"`
}

// RatePolicyConfig holds the outbound call policy for one provider kind
type RatePolicyConfig struct {
	RatePerSecond    float64       `mapstructure:"ratePerSecond"`    // token bucket refill rate
	Burst            int           `mapstructure:"burst"`            // token bucket capacity
	MaxRetries       int           `mapstructure:"maxRetries"`       // retries after the first attempt
	BaseBackoff      time.Duration `mapstructure:"baseBackoff"`      // base delay for exponential backoff
	MaxBackoff       time.Duration `mapstructure:"maxBackoff"`       // backoff ceiling
	BreakerThreshold int           `mapstructure:"breakerThreshold"` // consecutive failures before the breaker opens
	BreakerCooldown  time.Duration `mapstructure:"breakerCooldown"`  // open state duration before the half-open probe
	CallTimeout      time.Duration `mapstructure:"callTimeout"`      // default per-call budget when the caller supplies none
}

// CacheConfig holds per-resource TTLs for the read-through cache
type CacheConfig struct {
	ContactTTL time.Duration `mapstructure:"contactTTL"`
	GroupTTL   time.Duration `mapstructure:"groupTTL"`
	MessageTTL time.Duration `mapstructure:"messageTTL"`
	MemberTTL  time.Duration `mapstructure:"memberTTL"`
}

// SyncConfig holds incremental sync tuning
type SyncConfig struct {
	PageSize int           `mapstructure:"pageSize"` // default page size for fetch* calls
	MaxPages int           `mapstructure:"maxPages"` // safety bound per resource per run
	Workers  int           `mapstructure:"workers"`  // pool size for parallel per-configuration sync
	MaxBlock time.Duration `mapstructure:"maxBlock"` // max time to block submitting to the pool
}

// AuditConfig holds audit recorder tuning
type AuditConfig struct {
	Workers       int           `mapstructure:"workers"`       // async recorder pool size
	QueueSize     int           `mapstructure:"queueSize"`     // recorder task queue buffer
	MaxBlock      time.Duration `mapstructure:"maxBlock"`      // max time to block submitting before falling back to log
	RetentionDays int           `mapstructure:"retentionDays"` // entries older than this are purged
}

// WebhookConfig holds ingestion pipeline tuning
type WebhookConfig struct {
	SeenTTL   time.Duration `mapstructure:"seenTTL"`   // lifetime of the idempotency fast-path seen-set
	GroupOnly bool          `mapstructure:"groupOnly"` // drop events whose chat is not a group chat
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("database.postgresAutoMigrate", true)

	// NATS forwarder defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.stream", "wa_gateway_events")
	v.SetDefault("nats.subjectPrefix", "v1.gateway")
	v.SetDefault("nats.maxAgeDays", 7)

	// Provider policy defaults
	v.SetDefault("providers.whapi.ratePerSecond", 5.0)
	v.SetDefault("providers.whapi.burst", 10)
	v.SetDefault("providers.wassenger.ratePerSecond", 2.0)
	v.SetDefault("providers.wassenger.burst", 5)

	// Cache TTL defaults: list resources cached longer than message pages
	v.SetDefault("cache.contactTTL", time.Hour)
	v.SetDefault("cache.groupTTL", 30*time.Minute)
	v.SetDefault("cache.messageTTL", 5*time.Minute)
	v.SetDefault("cache.memberTTL", 30*time.Minute)

	// Sync defaults
	v.SetDefault("sync.pageSize", 100)
	v.SetDefault("sync.maxPages", 1000)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.maxBlock", time.Second)

	// Audit recorder defaults
	v.SetDefault("audit.workers", 4)
	v.SetDefault("audit.queueSize", 10000)
	v.SetDefault("audit.maxBlock", 100*time.Millisecond)
	v.SetDefault("audit.retentionDays", 90)

	// Webhook defaults
	v.SetDefault("webhook.seenTTL", 10*time.Minute)
	v.SetDefault("webhook.groupOnly", false)

	// Config file settings
	v.SetConfigName("default")
	v.SetConfigType("yaml")

	// Add lookup paths
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-wa-gateway")
	v.AddConfigPath("/etc/daisi-wa-gateway")

	// Try to read from config file
	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map environment variables to config fields
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
		v.Set("nats.enabled", true)
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &config, nil
}

// PolicyFor returns the rate policy for a provider kind, falling back to a
// conservative default when the kind has no explicit policy entry.
func (c *Config) PolicyFor(provider string) RatePolicyConfig {
	if p, ok := c.Providers[provider]; ok {
		return p.withDefaults()
	}
	return RatePolicyConfig{}.withDefaults()
}

func (p RatePolicyConfig) withDefaults() RatePolicyConfig {
	if p.RatePerSecond <= 0 {
		p.RatePerSecond = 1
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = 5
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = 30 * time.Second
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 30 * time.Second
	}
	return p
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		// Get the field tag value (mapstructure)
		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		// Build the env var path
		path := append(parts, tag)
		key := strings.Join(path, ".")

		// If it's a struct, recursively bind its fields
		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		// Bind the env var
		_ = v.BindEnv(key)
	}
}
