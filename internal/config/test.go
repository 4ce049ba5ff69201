package config

import "time"

// LoadTestConfig returns a configuration backed by the memory store with
// short TTLs and no external services.
func LoadTestConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            "18080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			BaseURL:         "http://localhost:18080",
		},
		Database: DatabaseConfig{
			Driver:       "memory",
			QueryTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:   false,
			ClientTTL: time.Minute,
		},
		Auth: AuthConfig{
			Issuer:               "http://localhost:18080",
			AccessTokenTTL:       time.Hour,
			RefreshTokenTTL:      7 * 24 * time.Hour,
			IDTokenTTL:           time.Hour,
			AuthorizationCodeTTL: 10 * time.Minute,
			DeviceCodeTTL:        10 * time.Minute,
			DevicePollInterval:   5 * time.Second,
			SessionTTL:           time.Hour,
		},
		Keys: KeysConfig{
			Algorithm:         "ES256",
			EncryptionKey:     "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
			RotationInterval:  24 * time.Hour,
			VerificationGrace: time.Hour,
			AutoBootstrap:     true,
		},
		Security: SecurityConfig{
			RateLimitRequests: 1000,
			RateLimitWindow:   time.Minute,
			RateLimitBackend:  "memory",
			MaxRequestSize:    1024 * 1024,
			CSRFSecret:        "test-csrf-secret",
			CSRFTTL:           time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "debug",
			Format: "console",
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 64,
		},
	}
}
