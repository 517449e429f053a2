package gateway

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRateLimit  = 5.0
)

// Config describes the external gateway and this facility's identity. It is
// passed by value at construction and never changes for the lifetime of a
// client or engine.
type Config struct {
	BaseURL      string
	FacilityCode string
	FacilityName string
	ProvinceCode string
	APIKey       string
	Username     string
	Password     string
	Enabled      bool
	AutoSubmit   bool
	MaxRetries   int
	Timeout      time.Duration
	RateLimit    float64 // requests per second, 0 disables pacing
	UseStub      bool
}

// Offline reports whether submissions must be handled locally because the
// gateway is disabled or has no endpoint configured.
func (c Config) Offline() bool {
	return !c.Enabled || strings.TrimSpace(c.BaseURL) == ""
}

// TokenAuth reports whether the gateway requires a bearer token.
func (c Config) TokenAuth() bool {
	return c.Username != "" && c.Password != ""
}

// WithDefaults fills zero timeout and retry settings.
func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Validate checks settings that would make an enabled gateway unusable.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("gateway max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("gateway timeout must not be negative, got %s", c.Timeout)
	}
	if c.Enabled && c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("gateway base url %q is not an absolute URL", c.BaseURL)
		}
		if c.FacilityCode == "" {
			return fmt.Errorf("gateway facility code is required when the gateway is enabled")
		}
	}
	return nil
}

// Redacted returns a copy safe to expose over the API.
func (c Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"base_url":        c.BaseURL,
		"facility_code":   c.FacilityCode,
		"facility_name":   c.FacilityName,
		"province_code":   c.ProvinceCode,
		"enabled":         c.Enabled,
		"offline":         c.Offline(),
		"auto_submit":     c.AutoSubmit,
		"max_retries":     c.MaxRetries,
		"timeout_seconds": int(c.Timeout / time.Second),
		"api_key_set":     c.APIKey != "",
		"token_auth":      c.TokenAuth(),
		"use_stub":        c.UseStub,
	}
}
