package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/redis/go-redis/v9"

	"token-engine/internal/audit"
	"token-engine/internal/auth"
	"token-engine/internal/authorization"
	"token-engine/internal/cache"
	"token-engine/internal/config"
	"token-engine/internal/db"
	"token-engine/internal/handlers"
	"token-engine/internal/keys"
	"token-engine/internal/logging"
	"token-engine/internal/middleware"
	"token-engine/internal/monitoring"
	"token-engine/internal/oidc"
	"token-engine/internal/ratelimit"
	"token-engine/internal/security"
	"token-engine/internal/seed"
	"token-engine/internal/session"
	"token-engine/internal/token"
	"token-engine/pkg/crypto"
	jwtpkg "token-engine/pkg/jwt"
	pkgsecurity "token-engine/pkg/security"
)

const appName = "token-engine"

func main() {
	printBanner()
	cfg := config.Load()

	logger := logging.New(&logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Caller:       cfg.Logging.Caller,
		SamplingRate: cfg.Logging.SamplingRate,
		Output:       os.Stdout,
	})

	if err := cfg.Validate(); err != nil {
		logger.ErrorEvent().Err(err).Msg("configuration validation failed")
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.ErrorEvent().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	logger.Info("server exited")
}

func printBanner() {
	banner := figure.NewFigure(appName, "cybermedium", true)
	banner.Print()
	fmt.Println()
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	logger.InfoEvent().
		Str("issuer", cfg.Auth.Issuer).
		Str("db_driver", cfg.Database.Driver).
		Str("log_level", cfg.Logging.Level).
		Msg("starting token engine")

	store, err := db.Open(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	redisClient, err := openRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	metrics := monitoring.NewService()

	var clients db.ClientStore = store
	var registryCache cache.Cache
	switch {
	case cfg.Cache.Enabled && redisClient != nil:
		registryCache = cache.NewRedisCache(redisClient, appName+":")
		clients = cache.NewCachedRegistry(store, registryCache, cfg.Cache.ClientTTL)
		logger.InfoEvent().Dur("ttl", cfg.Cache.ClientTTL).Msg("client registry cache enabled")
	case cfg.Cache.Enabled:
		logger.Warn("CACHE_ENABLED is set but Redis is not, reading clients from the store")
	}

	sealer, err := newSealer(cfg, logger)
	if err != nil {
		return err
	}

	var sink audit.Sink = audit.Nop()
	if cfg.Audit.Enabled {
		auditor := audit.NewAuditor(logger, cfg.Audit.BufferSize)
		defer func() {
			auditor.Close()
			if dropped := auditor.Dropped(); dropped > 0 {
				logger.WarnEvent().Int64("dropped", int64(dropped)).Msg("audit events dropped")
			}
		}()
		sink = auditor
	}

	registry := keys.NewRegistry(store, sealer)
	rotator := keys.NewRotator(registry, cfg.Keys.Algorithm, cfg.Keys.RotationInterval, cfg.Keys.VerificationGrace, logger).
		OnRotate(func(key *db.SigningKey) {
			metrics.IncrementKeyRotations()
			sink.Emit(audit.Event{
				Type:    audit.EventKeyRotated,
				Details: map[string]any{"kid": key.KeyID, "alg": key.Algorithm},
			})
		})
	if cfg.Keys.AutoBootstrap {
		if err := rotator.EnsureActiveKey(ctx); err != nil {
			return fmt.Errorf("failed to bootstrap signing key: %w", err)
		}
	} else if _, err := registry.SelectSigningKey(ctx, cfg.Keys.Algorithm); err != nil {
		return fmt.Errorf("no usable %s signing key and KEY_AUTO_BOOTSTRAP is off: %w", cfg.Keys.Algorithm, err)
	}
	rotator.Start(ctx)
	defer rotator.Stop()

	hasher := auth.NewBcryptHasher()
	var seedFile *seed.File
	if cfg.SeedFile != "" {
		if seedFile, err = seed.Load(cfg.SeedFile); err != nil {
			return err
		}
	}
	seeded, err := seed.Apply(ctx, store, hasher, seedFile)
	if err != nil {
		return err
	}
	logger.InfoEvent().
		Int("created", seeded.Created).
		Int("skipped", seeded.Skipped).
		Msg("registry seeded")

	rateLimiter, pollLimiter := newLimiters(cfg, redisClient, logger)
	defer rateLimiter.Close()
	defer pollLimiter.Close()

	generator := crypto.NewCredentialGenerator(nil)
	authz := authorization.New(store, store)
	tokens := token.New(store, authz, generator,
		token.WithTTLPolicy(token.TTLPolicyFromConfig(cfg.Auth)),
		token.WithAuditSink(sink))
	sessions := session.NewTracker(store, authz, generator,
		session.WithAuditSink(sink),
		session.WithDefaultTTL(cfg.Auth.SessionTTL))

	service := auth.NewService(auth.Components{
		Clients:        clients,
		Users:          store,
		Authorizations: authz,
		Tokens:         tokens,
		Sessions:       sessions,
		JWT:            jwtpkg.NewManager(cfg.Auth.Issuer, registry.Source(cfg.Keys.Algorithm)),
		Hasher:         hasher,
		PollLimiter:    pollLimiter,
		Audit:          sink,
		Metrics:        metrics,
	}, cfg)

	csrfSecret := []byte(cfg.Security.CSRFSecret)
	if len(csrfSecret) == 0 {
		csrfSecret = make([]byte, 32)
		if _, err := rand.Read(csrfSecret); err != nil {
			return fmt.Errorf("failed to generate csrf secret: %w", err)
		}
		logger.Warn("CSRF_SECRET not set, form tokens will not survive a restart")
	}

	tlsEnabled := cfg.Server.TLSCert != "" && cfg.Server.TLSKey != ""
	handler := handlers.NewHandler(handlers.Dependencies{
		Auth:          service,
		Clients:       clients,
		Keys:          registry,
		Health:        db.NewHealthChecker(store),
		Cache:         registryCache,
		Metrics:       metrics,
		CSRF:          security.NewCSRFManager(csrfSecret, cfg.Security.CSRFTTL),
		Discovery:     oidc.NewDiscovery(cfg.Auth.Issuer, cfg.Server.BaseURL, cfg.Keys.Algorithm),
		SecureCookies: tlsEnabled,
	})
	router := handlers.NewRouter(handler, middleware.NewMiddleware(logger, metrics, rateLimiter), cfg.Security)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.InfoEvent().
			Str("addr", srv.Addr).
			Bool("tls", tlsEnabled).
			Msg("token engine listening")
		var err error
		if tlsEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			logger.Warn("serving plain HTTP, terminate TLS in front of this process")
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig, logger *logging.Logger) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr(), err)
	}
	logger.InfoEvent().Str("addr", cfg.Addr()).Msg("connected to redis")
	return client, nil
}

// newSealer builds the private key sealer. The memory store may run with an
// ephemeral key since nothing it seals outlives the process.
func newSealer(cfg *config.Config, logger *logging.Logger) (*pkgsecurity.Sealer, error) {
	if cfg.Keys.EncryptionKey != "" {
		return pkgsecurity.NewSealerFromBase64(cfg.Keys.EncryptionKey)
	}
	if cfg.Database.Driver != "memory" {
		return nil, errors.New("KEY_ENCRYPTION_KEY is required with a persistent store")
	}

	key := make([]byte, pkgsecurity.KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key encryption key: %w", err)
	}
	logger.Warn("KEY_ENCRYPTION_KEY not set, using an ephemeral key")
	return pkgsecurity.NewSealer(key)
}

func newLimiters(cfg *config.Config, client *redis.Client, logger *logging.Logger) (ratelimit.RateLimiter, ratelimit.PollLimiter) {
	limitCfg := &ratelimit.Config{
		MaxRequests: cfg.Security.RateLimitRequests,
		Window:      cfg.Security.RateLimitWindow,
	}

	if cfg.Security.RateLimitBackend == "redis" && client != nil {
		logger.Info("using redis rate limiter")
		return ratelimit.NewRedisRateLimiter(client, limitCfg), ratelimit.NewRedisPollLimiter(client)
	}

	logger.Warn("using in-memory rate limiter, limits are per instance")
	var poll ratelimit.PollLimiter = ratelimit.NewMemoryPollLimiter()
	if client != nil {
		poll = ratelimit.NewRedisPollLimiter(client)
	}
	return ratelimit.NewMemoryRateLimiter(limitCfg), poll
}
