package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gwi.com/inference-gateway/internal/api"
	"gwi.com/inference-gateway/internal/config"
	"gwi.com/inference-gateway/internal/core"
	"gwi.com/inference-gateway/internal/logger"
	"gwi.com/inference-gateway/internal/metrics"
	"gwi.com/inference-gateway/internal/staging"
	"gwi.com/inference-gateway/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logger configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx := context.Background()

	// Initialize database store
	dbStore, err := store.NewSQLStore(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	provider, closeProviders, err := buildProvider(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeProviders()

	stager, closeStager, err := buildStager(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStager()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	intake := core.NewIntake(stager, core.IntakeConfig{
		MaxFiles:          cfg.MaxAttachments,
		MaxBytes:          cfg.MaxAttachmentBytes,
		AllowedTypes:      cfg.AllowedContentTypes,
		AllowedExtensions: cfg.AllowedExtensions,
	}, log)

	var titles *core.TitleGenerator
	if cfg.TitleGeneration {
		titles = core.NewTitleGenerator(provider, dbStore, log)
	}

	orchestrator := core.NewOrchestrator(dbStore, provider, intake, titles, core.OrchestratorConfig{
		SystemPrompt:         cfg.SystemPrompt,
		FirstFragmentTimeout: cfg.FirstFragmentTimeout,
		RetryDelay:           cfg.RetryDelay,
		HistoryLimit:         cfg.HistoryLimit,
	}, m, log)

	var images *core.ImageService
	if cfg.ImagesEnabled() {
		images = core.NewImageService(core.NewOpenAIImageGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ImageModel), m, log)
	} else {
		log.Info().Msg("OPENAI_API_KEY not set, image generation disabled")
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(orchestrator, core.NewThreadService(dbStore, log), images, m, api.HandlerConfig{
		StreamTimeout: cfg.StreamTimeout,
		KeepAlive:     cfg.SSEKeepAlive,
		MaxBodyBytes:  int64(cfg.MaxAttachments)*cfg.MaxAttachmentBytes + 1<<20,
	}, log)
	router := api.NewRouter(apiHandler, reg, limiter, log)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	// No WriteTimeout: streams are bounded by STREAM_TIMEOUT instead.
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Str("provider", provider.Name()).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if titles != nil {
		titles.Wait()
	}

	log.Info().Msg("server exiting gracefully")
	return nil
}

// buildProvider constructs the configured provider. The returned func releases its clients.
func buildProvider(ctx context.Context, cfg *config.Config, log zerolog.Logger) (core.Provider, func(), error) {
	if cfg.Provider != config.ProviderFallback {
		return buildSingleProvider(ctx, cfg, cfg.Provider, log)
	}

	var members []core.Provider
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for _, name := range cfg.ProviderChain {
		p, closeFn, err := buildSingleProvider(ctx, cfg, name, log)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		members = append(members, p)
		closers = append(closers, closeFn)
	}
	return core.NewFallbackProvider(members, cfg.CircuitBreakerFailures, cfg.CircuitBreakerCooldown, log), closeAll, nil
}

func buildSingleProvider(ctx context.Context, cfg *config.Config, name string, log zerolog.Logger) (core.Provider, func(), error) {
	switch name {
	case config.ProviderGemini:
		p, err := core.NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gemini provider: %w", err)
		}
		return p, p.Close, nil
	case config.ProviderOpenAI:
		return core.NewOpenAIProvider(core.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.OpenAIModel,
			Temperature: cfg.OpenAITemperature,
			MaxTokens:   cfg.OpenAIMaxTokens,
		}, log), func() {}, nil
	case config.ProviderEcho:
		return &core.EchoProvider{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider %q", name)
	}
}

func buildStager(ctx context.Context, cfg *config.Config) (staging.Stager, func(), error) {
	switch cfg.StagingBackend {
	case config.StagingMemory:
		return staging.NewMemoryStager(), func() {}, nil
	case config.StagingGCS:
		s, err := staging.NewGCSStager(ctx, cfg.GCSBucket, "staging", cfg.GCSCredentialsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gcs stager: %w", err)
		}
		return s, func() { s.Close() }, nil
	default:
		s, err := staging.NewDiskStager(cfg.StagingDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create staging dir: %w", err)
		}
		return s, func() {}, nil
	}
}
