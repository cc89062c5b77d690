package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            ":8080",
			ReadTimeout:        Duration{Duration: 15 * time.Second},
			WriteTimeout:       Duration{Duration: 15 * time.Second},
			IdleTimeout:        Duration{Duration: 60 * time.Second},
			CORSAllowedOrigins: []string{"*"},
		},
		Payments: PaymentsConfig{
			Cap:          50,
			UnitAmount:   10,
			LedgerShards: 64,
		},
		FailureInjection: FailureInjectionConfig{
			Policy: "none",
			Stage:  "last",
			Marker: "X",
			Every:  4,
		},
		Client: ClientConfig{
			PaymentsURL: "http://localhost:8080",
			Timeout:     Duration{Duration: 5 * time.Second},
			Retry: RetryConfig{
				MaxAttempts:     4,
				Strategy:        "exponential",
				InitialInterval: Duration{Duration: 1500 * time.Millisecond},
				MaxInterval:     Duration{Duration: 30 * time.Second},
				Multiplier:      1.5,
			},
		},
		Reactions: ReactionsConfig{
			Address:    ":8081",
			SendBuffer: 32,
			WriteWait:  Duration{Duration: 10 * time.Second},
			PongWait:   Duration{Duration: 60 * time.Second},
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			GlobalEnabled:      true,
			GlobalLimit:        5000,
			GlobalWindow:       Duration{Duration: 1 * time.Minute},
			PerIdentityEnabled: true,
			PerIdentityLimit:   300,
			PerIdentityWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:       true,
			PerIPLimit:         600,
			PerIPWindow:        Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			PaymentAuthority: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
