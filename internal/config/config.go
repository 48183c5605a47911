// Package config provides configuration loading and validation from environment variables.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/bihubihu/tokenserver-client/internal/logging"
)

// Config holds configuration shared by tokenctl and the mock token server.
type Config struct {
	TokenServerURL    string        // Token endpoint (empty = production default)
	LogLevel          string        // debug, info, warn, error
	TokenCachePath    string        // SQLite token cache path (empty = caching disabled)
	TokenCacheKey     string        // Passphrase the cached token keys are encrypted with
	ListenAddr        string        // Mock server listen address (e.g., ":8081")
	MetricsListenAddr string        // Mock server metrics listener (empty = serve /metrics on ListenAddr)
	MockPublicURL     string        // Base URL the mock server advertises (empty = derived from ListenAddr)
	MockTokenSecret   string        // Master secret for mock token keys
	MockTokenDuration time.Duration // Lifetime the mock server reports for tokens
}

// Load parses configuration from environment variables.
// All configuration options have sensible defaults for ease of deployment.
func Load() (*Config, error) {
	logLevel := os.Getenv("LOG_LEVEL")
	listenAddr := os.Getenv("LISTEN_ADDR")
	mockTokenSecret := os.Getenv("MOCK_TOKEN_SECRET")

	// Set defaults for optional fields
	if logLevel == "" {
		logLevel = "info"
	}

	if listenAddr == "" {
		listenAddr = ":8081"
	}

	if mockTokenSecret == "" {
		mockTokenSecret = "mocktokenserver-master-secret"
	}

	mockTokenDuration := time.Hour
	if raw := os.Getenv("MOCK_TOKEN_DURATION"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid MOCK_TOKEN_DURATION %q: %w", raw, err)
		}
		mockTokenDuration = d
	}

	cfg := &Config{
		TokenServerURL:    os.Getenv("TOKENSERVER_URL"),
		LogLevel:          logLevel,
		TokenCachePath:    os.Getenv("TOKEN_CACHE_PATH"),
		TokenCacheKey:     os.Getenv("TOKEN_CACHE_KEY"),
		ListenAddr:        listenAddr,
		MetricsListenAddr: os.Getenv("METRICS_LISTEN_ADDR"),
		MockPublicURL:     os.Getenv("MOCK_PUBLIC_URL"),
		MockTokenSecret:   mockTokenSecret,
		MockTokenDuration: mockTokenDuration,
	}

	return cfg, nil
}

// Validate checks all configuration constraints.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.TokenServerURL != "" {
		if err := validateAbsoluteURL(c.TokenServerURL); err != nil {
			return fmt.Errorf("TOKENSERVER_URL: %w", err)
		}
	}
	if c.TokenCachePath != "" && c.TokenCacheKey == "" {
		return fmt.Errorf("TOKEN_CACHE_KEY environment variable is required when TOKEN_CACHE_PATH is set")
	}
	if c.MockPublicURL != "" {
		if err := validateAbsoluteURL(c.MockPublicURL); err != nil {
			return fmt.Errorf("MOCK_PUBLIC_URL: %w", err)
		}
	}
	if c.MockTokenDuration <= 0 {
		return fmt.Errorf("MOCK_TOKEN_DURATION must be positive, got %s", c.MockTokenDuration)
	}
	return nil
}

// PublicURL returns the base URL the mock server advertises to clients.
func (c *Config) PublicURL() string {
	if c.MockPublicURL != "" {
		return c.MockPublicURL
	}
	host, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return "http://localhost"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}
