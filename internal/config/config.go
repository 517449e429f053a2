package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/claimsgw/internal/platform/gateway"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`

	RedisURL string `mapstructure:"REDIS_URL"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	ArchiveEndpoint  string `mapstructure:"ARCHIVE_ENDPOINT"`
	ArchiveAccessKey string `mapstructure:"ARCHIVE_ACCESS_KEY"`
	ArchiveSecretKey string `mapstructure:"ARCHIVE_SECRET_KEY"`
	ArchiveBucket    string `mapstructure:"ARCHIVE_BUCKET"`
	ArchiveUseSSL    bool   `mapstructure:"ARCHIVE_USE_SSL"`

	DispatchInterval  time.Duration `mapstructure:"DISPATCH_INTERVAL"`
	DispatchBatchSize int           `mapstructure:"DISPATCH_BATCH_SIZE"`

	GatewayBaseURL        string  `mapstructure:"GATEWAY_BASE_URL"`
	GatewayFacilityCode   string  `mapstructure:"GATEWAY_FACILITY_CODE"`
	GatewayFacilityName   string  `mapstructure:"GATEWAY_FACILITY_NAME"`
	GatewayProvinceCode   string  `mapstructure:"GATEWAY_PROVINCE_CODE"`
	GatewayAPIKey         string  `mapstructure:"GATEWAY_API_KEY"`
	GatewayUsername       string  `mapstructure:"GATEWAY_USERNAME"`
	GatewayPassword       string  `mapstructure:"GATEWAY_PASSWORD"`
	GatewayEnabled        bool    `mapstructure:"GATEWAY_ENABLED"`
	GatewayAutoSubmit     bool    `mapstructure:"GATEWAY_AUTO_SUBMIT"`
	GatewayMaxRetries     int     `mapstructure:"GATEWAY_MAX_RETRIES"`
	GatewayTimeoutSeconds int     `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	GatewayRateLimitRPS   float64 `mapstructure:"GATEWAY_RATE_LIMIT_RPS"`
	GatewayUseStub        bool    `mapstructure:"GATEWAY_USE_STUB"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER",
	"REDIS_URL",
	"AMQP_URL", "AMQP_EXCHANGE",
	"ARCHIVE_ENDPOINT", "ARCHIVE_ACCESS_KEY", "ARCHIVE_SECRET_KEY", "ARCHIVE_BUCKET", "ARCHIVE_USE_SSL",
	"DISPATCH_INTERVAL", "DISPATCH_BATCH_SIZE",
	"GATEWAY_BASE_URL", "GATEWAY_FACILITY_CODE", "GATEWAY_FACILITY_NAME", "GATEWAY_PROVINCE_CODE",
	"GATEWAY_API_KEY", "GATEWAY_USERNAME", "GATEWAY_PASSWORD",
	"GATEWAY_ENABLED", "GATEWAY_AUTO_SUBMIT", "GATEWAY_MAX_RETRIES", "GATEWAY_TIMEOUT_SECONDS",
	"GATEWAY_RATE_LIMIT_RPS", "GATEWAY_USE_STUB",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AMQP_EXCHANGE", "claimsgw.events")
	v.SetDefault("ARCHIVE_BUCKET", "claimsgw-exports")
	v.SetDefault("DISPATCH_INTERVAL", "5m")
	v.SetDefault("DISPATCH_BATCH_SIZE", 50)
	v.SetDefault("GATEWAY_ENABLED", false)
	v.SetDefault("GATEWAY_AUTO_SUBMIT", true)
	v.SetDefault("GATEWAY_MAX_RETRIES", gateway.DefaultMaxRetries)
	v.SetDefault("GATEWAY_TIMEOUT_SECONDS", int(gateway.DefaultTimeout/time.Second))
	v.SetDefault("GATEWAY_RATE_LIMIT_RPS", gateway.DefaultRateLimit)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

// RequireDatabase fails when no DATABASE_URL is configured. Commands that
// touch PostgreSQL call it; the in-memory development mode does not.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Gateway returns the gateway settings handed to the client and engine.
func (c *Config) Gateway() gateway.Config {
	return gateway.Config{
		BaseURL:      strings.TrimSpace(c.GatewayBaseURL),
		FacilityCode: c.GatewayFacilityCode,
		FacilityName: c.GatewayFacilityName,
		ProvinceCode: c.GatewayProvinceCode,
		APIKey:       c.GatewayAPIKey,
		Username:     c.GatewayUsername,
		Password:     c.GatewayPassword,
		Enabled:      c.GatewayEnabled,
		AutoSubmit:   c.GatewayAutoSubmit,
		MaxRetries:   c.GatewayMaxRetries,
		Timeout:      time.Duration(c.GatewayTimeoutSeconds) * time.Second,
		RateLimit:    c.GatewayRateLimitRPS,
		UseStub:      c.GatewayUseStub,
	}
}

// Validate checks that the configuration is safe to run. Outside development
// the operator API must be protected by a signing key.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.GatewayTimeoutSeconds <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT_SECONDS must be positive, got %d", c.GatewayTimeoutSeconds)
	}
	if c.DispatchBatchSize <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", c.DispatchBatchSize)
	}
	if c.DispatchInterval < 0 {
		return fmt.Errorf("DISPATCH_INTERVAL must not be negative, got %s", c.DispatchInterval)
	}
	if (c.ArchiveEndpoint != "") != (c.ArchiveAccessKey != "" && c.ArchiveSecretKey != "") {
		return fmt.Errorf("ARCHIVE_ENDPOINT, ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY must be set together")
	}
	if err := c.Gateway().Validate(); err != nil {
		return err
	}
	return nil
}
