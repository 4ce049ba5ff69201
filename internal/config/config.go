package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Auth     AuthConfig
	Keys     KeysConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Audit    AuditConfig
	// SeedFile provisions scopes, clients and users at startup.
	SeedFile string
}

type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	TLSCert         string
	TLSKey          string
	BaseURL         string
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	PoolSize int
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type CacheConfig struct {
	Enabled   bool
	ClientTTL time.Duration
}

type AuthConfig struct {
	Issuer               string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	IDTokenTTL           time.Duration
	AuthorizationCodeTTL time.Duration
	DeviceCodeTTL        time.Duration
	DevicePollInterval   time.Duration
	SessionTTL           time.Duration
}

type KeysConfig struct {
	Algorithm string
	// EncryptionKey seals private keys at rest. 32 bytes, base64 encoded.
	EncryptionKey    string
	RotationInterval time.Duration
	// VerificationGrace keeps a retired key published after the next
	// rotation so tokens it signed still verify.
	VerificationGrace time.Duration
	AutoBootstrap     bool
}

type SecurityConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	// RateLimitBackend is "memory" or "redis".
	RateLimitBackend string
	MaxRequestSize   int64
	BlockedIPs       []string
	// CSRFSecret signs consent and device form tokens. A random secret is
	// generated at startup when empty.
	CSRFSecret string
	CSRFTTL    time.Duration
}

type LoggingConfig struct {
	Level        string
	Format       string
	Caller       bool
	SamplingRate uint32
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "localhost"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
			TLSCert:         getEnv("TLS_CERT", ""),
			TLSKey:          getEnv("TLS_KEY", ""),
			BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Name:            getEnv("DB_NAME", "token_engine"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getDurationEnv("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			QueryTimeout:    getDurationEnv("DB_QUERY_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			PoolSize: getIntEnv("REDIS_POOL_SIZE", 10),
		},
		Cache: CacheConfig{
			Enabled:   getBoolEnv("CACHE_ENABLED", true),
			ClientTTL: getDurationEnv("CACHE_CLIENT_TTL", 5*time.Minute),
		},
		Auth: AuthConfig{
			Issuer:               getEnv("ISSUER", "http://localhost:8080"),
			AccessTokenTTL:       getDurationEnv("ACCESS_TOKEN_TTL", time.Hour),
			RefreshTokenTTL:      getDurationEnv("REFRESH_TOKEN_TTL", 7*24*time.Hour),
			IDTokenTTL:           getDurationEnv("ID_TOKEN_TTL", time.Hour),
			AuthorizationCodeTTL: getDurationEnv("AUTH_CODE_TTL", 10*time.Minute),
			DeviceCodeTTL:        getDurationEnv("DEVICE_CODE_TTL", 10*time.Minute),
			DevicePollInterval:   getDurationEnv("DEVICE_POLL_INTERVAL", 5*time.Second),
			SessionTTL:           getDurationEnv("SESSION_TTL", 24*time.Hour),
		},
		Keys: KeysConfig{
			Algorithm:         getEnv("KEY_ALGORITHM", "ES256"),
			EncryptionKey:     getEnv("KEY_ENCRYPTION_KEY", ""),
			RotationInterval:  getDurationEnv("JWT_ROTATION_INTERVAL", 24*time.Hour),
			VerificationGrace: getDurationEnv("KEY_VERIFICATION_GRACE", 2*time.Hour),
			AutoBootstrap:     getBoolEnv("KEY_AUTO_BOOTSTRAP", true),
		},
		Security: SecurityConfig{
			RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 100),
			RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
			RateLimitBackend:  getEnv("RATE_LIMIT_BACKEND", "memory"),
			MaxRequestSize:    getInt64Env("MAX_REQUEST_SIZE", 1024*1024),
			BlockedIPs:        parseStringArray(getEnv("BLOCKED_IPS", "")),
			CSRFSecret:        getEnv("CSRF_SECRET", ""),
			CSRFTTL:           getDurationEnv("CSRF_TTL", time.Hour),
		},
		Logging: LoggingConfig{
			Level:        getEnv("LOG_LEVEL", "info"),
			Format:       getEnv("LOG_FORMAT", "json"),
			Caller:       getBoolEnv("LOG_CALLER", false),
			SamplingRate: uint32(getIntEnv("LOG_SAMPLING_RATE", 0)),
		},
		Audit: AuditConfig{
			Enabled:    getBoolEnv("AUDIT_ENABLED", true),
			BufferSize: getIntEnv("AUDIT_BUFFER_SIZE", 1024),
		},
		SeedFile: getEnv("SEED_FILE", ""),
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or memory, got %q", c.Database.Driver))
	}
	if c.Database.Driver == "postgres" && c.Database.QueryTimeout <= 0 {
		errs = append(errs, errors.New("DB_QUERY_TIMEOUT must be positive"))
	}

	if c.Auth.Issuer == "" {
		errs = append(errs, errors.New("ISSUER is required"))
	}
	ttls := map[string]time.Duration{
		"ACCESS_TOKEN_TTL":  c.Auth.AccessTokenTTL,
		"REFRESH_TOKEN_TTL": c.Auth.RefreshTokenTTL,
		"ID_TOKEN_TTL":      c.Auth.IDTokenTTL,
		"AUTH_CODE_TTL":     c.Auth.AuthorizationCodeTTL,
		"DEVICE_CODE_TTL":   c.Auth.DeviceCodeTTL,
	}
	for name, ttl := range ttls {
		if ttl <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Auth.DevicePollInterval < time.Second {
		errs = append(errs, errors.New("DEVICE_POLL_INTERVAL must be at least 1s"))
	}

	switch c.Keys.Algorithm {
	case "ES256", "RS256":
	default:
		errs = append(errs, fmt.Errorf("KEY_ALGORITHM must be ES256 or RS256, got %q", c.Keys.Algorithm))
	}
	if c.Keys.RotationInterval > 0 && c.Keys.VerificationGrace < c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("KEY_VERIFICATION_GRACE must cover ACCESS_TOKEN_TTL"))
	}

	switch c.Security.RateLimitBackend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("RATE_LIMIT_BACKEND=redis requires REDIS_ENABLED"))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis, got %q", c.Security.RateLimitBackend))
	}
	if c.Security.RateLimitRequests <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS must be positive"))
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("TLS_CERT and TLS_KEY must be set together"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func parseStringArray(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
