package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/config"
	"github.com/zhouzirui/z-personalize/backend/internal/handler"
	"github.com/zhouzirui/z-personalize/backend/internal/handler/cart"
	"github.com/zhouzirui/z-personalize/backend/internal/metrics"
	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
	"github.com/zhouzirui/z-personalize/backend/internal/observability"
	"github.com/zhouzirui/z-personalize/backend/internal/service/channel"
	"github.com/zhouzirui/z-personalize/backend/internal/service/surface"
	"github.com/zhouzirui/z-personalize/backend/internal/service/widget"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, level, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Debug("no .env file loaded, using system environment only", zap.Error(envErr))
	}

	backend, closeBackend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		logger.Fatal("failed to open session store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer closeBackend()
	logger.Info("session store ready", zap.String("driver", cfg.Store.Driver))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	var rules []channel.OriginRule
	if extra := channel.ParseOriginRules(cfg.Widget.AllowedOrigins); len(extra) > 0 {
		rules = append(channel.DefaultOriginRules(), extra...)
	}

	w := widget.New(widget.Dependencies{
		Backend:     backend,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
		Logger:      logger,
		LogLevel:    &level,
		Presenter:   surface.NewLogPresenter(logger),
		Metrics:     m,
		OriginRules: rules,
	})

	if cfg.Widget.AutoInit() {
		if err := w.Init(widgetConfig(cfg.Widget)); err != nil {
			logger.Fatal("failed to initialize widget from environment", zap.Error(err))
		}
	} else {
		logger.Info("PERSONALIZE_PLATFORM / PERSONALIZE_PRODUCT_ID 未配置，等待 POST /api/widget/init")
	}

	upstream, err := cart.NewUpstream(cfg.Cart.Upstream, logger)
	if err != nil {
		logger.Fatal("invalid cart upstream", zap.String("upstream", cfg.Cart.Upstream), zap.Error(err))
	}

	router := handler.NewRouter(handler.Dependencies{
		Widget:       w,
		Logger:       logger,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CartUpstream: upstream,
	})

	startServer(ctx, logger, cfg.Server, router)
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (personalization.Backend, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case config.StoreFile:
		backend, err := personalization.NewFileBackend(cfg.Dir)
		if err != nil {
			return nil, noop, err
		}
		return backend, noop, nil
	case config.StoreRedis:
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		backend, err := personalization.NewRedisBackend(pingCtx, personalization.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, noop, err
		}
		return backend, func() { _ = backend.Close() }, nil
	case config.StoreMemory:
		return personalization.NewMemoryBackend(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func widgetConfig(c config.WidgetConfig) widget.Config {
	return widget.Config{
		Platform:             personalization.Platform(c.Platform),
		ProductID:            widget.ProductID(c.ProductID),
		APIKey:               c.APIKey,
		Environment:          personalization.Environment(c.Environment),
		Hostname:             c.Hostname,
		CustomizeButtonText:  c.ButtonText,
		CustomizeButtonClass: c.ButtonClass,
		AddToCartSelector:    c.AddToCartSelector,
		Debug:                c.Debug,
		APIBaseURL:           c.APIBaseURL,
		SurfaceBaseURL:       c.SurfaceBaseURL,
		LoadTimeoutSeconds:   c.LoadTimeoutSeconds,
	}
}

func startServer(ctx context.Context, logger *zap.Logger, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("personalize host agent listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
