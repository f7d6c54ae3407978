package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/breaker"
	"github.com/arbiter-mod/sieve/moderation/cachestore"
	"github.com/arbiter-mod/sieve/moderation/coalesce"
	"github.com/arbiter-mod/sieve/moderation/countstore"
	"github.com/arbiter-mod/sieve/moderation/engine"
	"github.com/arbiter-mod/sieve/moderation/evidence"
	"github.com/arbiter-mod/sieve/moderation/fingerprint"
	"github.com/arbiter-mod/sieve/moderation/vendor"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Server struct {
	logger *slog.Logger
	engine *engine.Engine
	echo   *echo.Echo
}

type Config struct {
	Logger               *slog.Logger
	DatabaseURL          string
	RedisURL             string
	HiveAPIToken         string
	PerspectiveAPIKey    string
	SightengineAPIUser   string
	SightengineAPISecret string
	PrescreenHost        string
	PrescreenToken       string
	PoliciesFileJSON     string
	FailClosedTypes      []string
	AsyncEvidence        bool
	MockVendors          bool
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	var counters countstore.CountStore
	var cache cachestore.DecisionCache
	if config.RedisURL != "" {
		cnt, err := countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis countstore: %v", err)
		}
		counters = cnt

		csh, err := cachestore.NewRedisDecisionCache(config.RedisURL, 30*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("initializing redis moderation cache: %v", err)
		}
		cache = csh
	} else {
		counters = countstore.NewMemCountStore()
		cache = cachestore.NewMemDecisionCache(5_000, 30*time.Minute)
	}

	db, err := setupDatabase(config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	audit, err := evidence.NewGormAuditStore(db)
	if err != nil {
		return nil, fmt.Errorf("initializing audit store: %v", err)
	}

	registry, err := buildVendorRegistry(logger, config)
	if err != nil {
		return nil, err
	}

	policies := moderation.NewMemPolicyStore(defaultPolicies()...)
	if config.PoliciesFileJSON != "" {
		loaded, err := policiesFromJSONFile(config.PoliciesFileJSON)
		if err != nil {
			return nil, fmt.Errorf("loading policy config: %v", err)
		}
		for _, p := range loaded {
			if _, err := policies.UpsertPolicy(context.Background(), p); err != nil {
				return nil, err
			}
		}
		logger.Info("loaded policy config from JSON", "path", config.PoliciesFileJSON, "count", len(loaded))
	}

	engineConfig := engine.DefaultConfig()
	engineConfig.AsyncEvidence = config.AsyncEvidence
	for _, t := range config.FailClosedTypes {
		ct := moderation.ContentType(strings.TrimSpace(t))
		if !ct.Valid() {
			return nil, fmt.Errorf("unknown fail-closed content type: %s", t)
		}
		engineConfig.FailClosedTypes = append(engineConfig.FailClosedTypes, ct)
	}

	eng := &engine.Engine{
		Logger:     logger,
		Vendors:    registry,
		Breakers:   breaker.NewRegistry(logger, breaker.DefaultConfig()),
		Optimizer:  coalesce.NewOptimizer(logger, coalesce.DefaultConfig()),
		Cache:      cache,
		Counters:   counters,
		Policies:   engine.NewPolicySnapshot(policies, 30*time.Second),
		Evidence:   evidence.NewService(logger, evidence.NewMemBlockStore(), audit),
		Directory:  engine.NewMockDirectory(),
		Media:      engine.NewMediaFetcher(8 << 20),
		NearImages: fingerprint.NewNearIndex(4096, engineConfig.NearDuplicateDistance),
		Config:     engineConfig,
	}

	if config.PrescreenHost != "" && config.PrescreenToken != "" {
		logger.Info("configuring prescreen image classifier", "host", config.PrescreenHost)
		eng.Prescreen = engine.NewPreScreenClient(config.PrescreenHost, config.PrescreenToken)
	}

	return &Server{
		logger: logger,
		engine: eng,
	}, nil
}

func buildVendorRegistry(logger *slog.Logger, config Config) (vendor.Registry, error) {
	var registry vendor.Registry

	if config.HiveAPIToken != "" {
		logger.Info("configuring Hive AI vendor")
		registry = append(registry, vendor.Registration{
			Adapter: vendor.NewHiveClient(config.HiveAPIToken),
			Weight:  0.4,
		})
	}
	if config.PerspectiveAPIKey != "" {
		logger.Info("configuring Perspective API vendor")
		registry = append(registry, vendor.Registration{
			Adapter: vendor.NewPerspectiveClient(config.PerspectiveAPIKey),
			Weight:  0.3,
		})
	}
	if config.SightengineAPIUser != "" && config.SightengineAPISecret != "" {
		logger.Info("configuring Sightengine vendor")
		registry = append(registry, vendor.Registration{
			Adapter: vendor.NewSightengineClient(config.SightengineAPIUser, config.SightengineAPISecret),
			Weight:  0.3,
		})
	}

	if len(registry) == 0 {
		if !config.MockVendors {
			return nil, fmt.Errorf("no vendor API credentials configured (or pass --mock-vendors for local development)")
		}
		logger.Warn("running with mock vendors, every scan returns scripted results")
		registry = vendor.Registry{
			{Adapter: vendor.NewMockAdapter("mock-text", []string{moderation.CategorySpam}, 0.2, true), Weight: 0.5},
			{Adapter: vendor.NewMockAdapter("mock-images", []string{moderation.CategoryNSFW}, 0.2, true), Weight: 0.5},
		}
	}
	return registry, nil
}

// setupDatabase opens the audit database from a URL-style connection string,
// e.g. "sqlite://data/sieved/audit.db" or "postgres://user:pw@host/db".
func setupDatabase(dburl string) (*gorm.DB, error) {
	u, err := url.Parse(dburl)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %v", err)
	}
	switch u.Scheme {
	case "sqlite":
		path := u.Host + u.Path
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, os.ModePerm); err != nil {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(path), &gorm.Config{})
	case "postgres", "postgresql":
		return gorm.Open(postgres.Open(dburl), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database scheme: %s", u.Scheme)
	}
}

func defaultPolicies() []moderation.Policy {
	return []moderation.Policy{
		{Category: moderation.CategoryHarassment, Severity: moderation.SeverityMedium, ConfidenceThreshold: 0.85, Action: moderation.ActionReview, ReputationModifier: 1.0, IsActive: true},
		{Category: moderation.CategoryHate, Severity: moderation.SeverityHigh, ConfidenceThreshold: 0.8, Action: moderation.ActionBlock, ReputationModifier: 1.0, IsActive: true},
		{Category: moderation.CategorySpam, Severity: moderation.SeverityLow, ConfidenceThreshold: 0.9, Action: moderation.ActionLimit, ReputationModifier: 1.0, IsActive: true},
		{Category: moderation.CategoryViolence, Severity: moderation.SeverityHigh, ConfidenceThreshold: 0.8, Action: moderation.ActionBlock, ReputationModifier: 1.0, IsActive: true},
		{Category: moderation.CategoryNSFW, Severity: moderation.SeverityMedium, ConfidenceThreshold: 0.85, Action: moderation.ActionBlock, ReputationModifier: 1.0, IsActive: true},
		{Category: moderation.CategoryScam, Severity: moderation.SeverityCritical, ConfidenceThreshold: 0.75, Action: moderation.ActionBlock, ReputationModifier: 1.0, IsActive: true},
		{Category: moderation.CategoryCounterfeit, Severity: moderation.SeverityHigh, ConfidenceThreshold: 0.8, Action: moderation.ActionReview, ReputationModifier: 1.0, IsActive: true},
		{Category: moderation.CategorySelfHarm, Severity: moderation.SeverityCritical, ConfidenceThreshold: 0.7, Action: moderation.ActionReview, ReputationModifier: 1.0, PermanentBlock: false, IsActive: true},
	}
}

func policiesFromJSONFile(path string) ([]moderation.Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []moderation.Policy
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

// RunAPI serves the moderation HTTP API until SIGINT/SIGTERM.
func (s *Server) RunAPI(ctx context.Context, bind string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("4M"))

	e.GET("/healthz", s.handleHealthz)
	e.POST("/api/moderate", s.handleModerate)
	e.POST("/api/moderate/batch", s.handleModerateBatch)
	e.GET("/api/breakers", s.handleBreakerStates)
	e.POST("/api/breakers/:vendor/:action", s.handleBreakerControl)
	e.GET("/api/audit", s.handleAuditQuery)
	e.GET("/api/evidence/:ref", s.handleEvidenceFetch)
	s.echo = e

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting moderation API", "bind", bind)
		errCh <- e.Start(bind)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}
