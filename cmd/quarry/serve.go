package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/quarry/internal/api"
	"github.com/quarrylabs/quarry/internal/audit"
	"github.com/quarrylabs/quarry/internal/breaker"
	"github.com/quarrylabs/quarry/internal/cache"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/eventstore"
	"github.com/quarrylabs/quarry/internal/gateway"
	"github.com/quarrylabs/quarry/internal/oauth"
	"github.com/quarrylabs/quarry/internal/secrets"
	"github.com/quarrylabs/quarry/internal/tools"
	"github.com/quarrylabs/quarry/internal/urlcheck"
)

func cmdServe(cfg *Config) error {
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP,
	)
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.slogLevel(),
	}))
	slog.SetDefault(logger)

	// Optional policy file, merged over env config.
	policy := &config.Policy{}
	if cfg.PolicyFile != "" {
		p, err := config.LoadFile(cfg.PolicyFile)
		if err != nil {
			return configErrorf("policy file %s: %v", cfg.PolicyFile, err)
		}
		policy = p
		cfg.AllowedOrigins = append(cfg.AllowedOrigins, policy.AllowedOrigins...)
		logger.Info("loaded policy", "file", cfg.PolicyFile)
	}

	srv, err := buildServer(cfg, policy)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	srv.sessions.StartReaper(ctx, time.Minute)
	g.Go(func() error {
		srv.cache.StartFlusher(ctx, 30*time.Second)
		return nil
	})
	g.Go(func() error {
		srv.events.StartFlusher(ctx, 30*time.Second)
		return nil
	})
	g.Go(func() error {
		srv.events.StartCleanup(ctx)
		return nil
	})

	if cfg.stdioMode() {
		logger.Info("starting stdio transport", "version", serverVersion)
		g.Go(func() error {
			defer cancel()
			stdio := gateway.NewStdioServer(srv.handler, srv.sessions)
			return stdio.Run(ctx)
		})
	} else {
		g.Go(func() error {
			return runHTTP(ctx, cfg, srv)
		})
	}

	err = g.Wait()
	srv.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// server bundles the wired components.
type server struct {
	registry  *tools.Registry
	handler   *gateway.Handler
	sessions  *gateway.SessionManager
	cache     *cache.Cache
	events    *eventstore.Store
	validator *oauth.Validator
	auditor   *audit.Logger
	auditBus  *audit.Bus
}

func buildServer(cfg *Config, policy *config.Policy) (*server, error) {
	auditBus := audit.NewBus()
	auditor := audit.NewLogger(auditBus)

	var encryptor cache.Encryptor
	if cfg.CachePassphrase != "" {
		enc, err := secrets.NewAgeEncryptor(cfg.CachePassphrase)
		if err != nil {
			return nil, fmt.Errorf("cache encryptor: %w", err)
		}
		encryptor = enc
	}

	c, err := cache.New(cache.Config{
		MaxEntries:  cfg.CacheMaxSize,
		DefaultTTL:  cfg.cacheTTL(),
		StoragePath: cfg.CacheStoragePath,
		Encryptor:   encryptor,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	var cipher *eventstore.MessageCipher
	if cfg.EventStoreKey != "" {
		key, err := eventstore.ParseKey(cfg.EventStoreKey)
		if err != nil {
			return nil, configErrorf("EVENT_STORE_ENCRYPTION_KEY: %v", err)
		}
		cipher, err = eventstore.NewMessageCipher(key)
		if err != nil {
			return nil, fmt.Errorf("event cipher: %w", err)
		}
	}

	events, err := eventstore.New(eventstore.Config{
		StoragePath:     cfg.EventStoragePath,
		CriticalStreams: policy.CriticalStreams,
		Cipher:          cipher,
		Audit:           auditor,
	})
	if err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}

	urlPolicy := urlcheck.NewPolicy(cfg.AllowPrivateIPs, policy.DeniedHosts)
	scraper := &tools.StaticScraper{}

	reg := tools.NewRegistry()
	var search tools.SearchClient
	if cfg.GoogleAPIKey != "" {
		search = &tools.GoogleSearchClient{APIKey: cfg.GoogleAPIKey, EngineID: cfg.GoogleEngineID}
		tools.RegisterSearchTools(reg, search)
		tools.RegisterCompositeTool(reg, search, scraper, urlPolicy)
	} else {
		slog.Info("search tools disabled: no Google Custom Search credentials")
	}
	tools.RegisterScrapeTool(reg, scraper, nil, urlPolicy)
	tools.RegisterDocumentTool(reg, nil, urlPolicy)

	tracker := tools.NewTracker()
	tools.RegisterSequentialTool(reg, tracker)

	dispatcher := tools.NewDispatcher(reg, c, breaker.New(breaker.Config{}), auditor)
	dispatcher.TTLOverrides = policy.ToolTTL

	sessions := gateway.NewSessionManager(30*time.Minute, tracker.Forget)
	handler := gateway.NewHandler(reg, dispatcher, tracker, serverName, serverVersion)

	validator := oauth.NewValidator(oauth.Config{
		IssuerURL:    cfg.OAuthIssuerURL,
		Audience:     cfg.OAuthAudience,
		EnforceHTTPS: cfg.EnforceHTTPS,
	}, nil)

	return &server{
		registry:  reg,
		handler:   handler,
		sessions:  sessions,
		cache:     c,
		events:    events,
		validator: validator,
		auditor:   auditor,
		auditBus:  auditBus,
	}, nil
}

func runHTTP(ctx context.Context, cfg *Config, srv *server) error {
	router := api.NewRouter(api.RouterDeps{
		Handler:        srv.handler,
		Sessions:       srv.sessions,
		Events:         srv.events,
		Cache:          srv.cache,
		Registry:       srv.registry,
		Validator:      srv.validator,
		Audit:          srv.auditor,
		AuditBus:       srv.auditBus,
		ServerName:     serverName,
		ServerVersion:  serverVersion,
		AllowedOrigins: cfg.AllowedOrigins,
		CacheAdminKey:  cfg.CacheAdminKey,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: SSE streams stay open indefinitely.
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", httpSrv.Addr, "version", serverVersion)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// shutdown drains sessions and runs the last-chance synchronous writes.
func (s *server) shutdown() {
	s.sessions.Drain()
	if err := s.cache.PersistNow(); err != nil {
		slog.Warn("final cache persist", "error", err)
	}
	if err := s.events.FlushNow(); err != nil {
		slog.Warn("final event flush", "error", err)
	}
	slog.Info("shutdown complete")
}
