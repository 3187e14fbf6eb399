package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthanhphan/gosdk/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	grpcHandler "github.com/anthanhphan/gridfs-upload/internal/uploader/adapter/inbound/grpc"
	httpHandler "github.com/anthanhphan/gridfs-upload/internal/uploader/adapter/inbound/http"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/adapter/outbound/gridfs"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/adapter/outbound/memory"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/config"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/connection"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/port"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/service"
	"github.com/anthanhphan/gridfs-upload/pkg/idgen"
)

const shutdownTimeout = 30 * time.Second

type App struct {
	cfg     *config.Config
	server  *httpHandler.Server
	health  *grpcHandler.HealthServer
	service *service.UploadServiceImpl
	manager *connection.Manager
	redis   *redis.Client
}

func New(configPath string) (*App, error) {
	// 1. Load Config
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Initialize Logger
	logger.InitLogger(&cfg.Logger)

	// 3. Request IDs, optionally on the shared Redis clock
	var redisClient *redis.Client
	var clock idgen.Clock
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		clock = idgen.NewRedisClock(redisClient, cfg.Redis.Timeout())
	}
	ids, err := idgen.New(cfg.App.NodeID, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to init snowflake: %w", err)
	}

	// 4. Metadata resolution
	namer, err := idgen.NewHexNamer(0, nil)
	if err != nil {
		return nil, domain.ConfigError("random source unavailable: %v", err)
	}
	resolver := service.NewMetadataResolver(namer, staticResolver(cfg))

	// 5. Storage connection
	manager, err := newConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage connection: %w", err)
	}

	// 6. Metrics
	var observer service.Observer
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		obs, err := service.NewPrometheusObserver(cfg.Metrics.Namespace, reg)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		observer, gatherer = obs, reg
	}

	// 7. Service & servers
	svc := service.NewUploadService(cfg.Upload, manager, resolver, ids, observer)
	httpServer := httpHandler.NewServer(cfg, svc, gatherer)

	var health *grpcHandler.HealthServer
	if cfg.Server.GRPCAddr != "" {
		health = grpcHandler.NewHealthServer(cfg.Server.GRPCAddr, manager)
	}

	return &App{
		cfg:     cfg,
		server:  httpServer,
		health:  health,
		service: svc,
		manager: manager,
		redis:   redisClient,
	}, nil
}

// staticResolver applies the configured bucket, chunk size and metadata to
// every file.
func staticResolver(cfg *config.Config) service.Static {
	static := service.Static{
		BucketName:     cfg.Storage.BucketName,
		ChunkSizeBytes: cfg.Storage.ChunkSizeBytes,
	}
	if len(cfg.Upload.StaticMetadata) > 0 {
		static.Metadata = cfg.Upload.StaticMetadata
	}
	return static
}

func newConnection(cfg *config.Config) (*connection.Manager, error) {
	if cfg.Storage.URL == config.MemoryURL {
		return connection.New(connection.Options{Store: memory.NewStore(), Name: "memory"})
	}

	dial := func(ctx context.Context, url string) (port.Store, error) {
		return gridfs.Connect(ctx, url, gridfs.Options{
			Database:       cfg.Storage.Database,
			AppName:        cfg.Storage.AppName,
			ConnectTimeout: cfg.Storage.ConnectTimeout(),
		})
	}

	opts := connection.Options{
		Name:           "gridfs",
		ConnectTimeout: cfg.Storage.ConnectTimeout(),
	}
	if cfg.Storage.LazyConnect {
		opts.Factory = func(ctx context.Context) (port.Store, error) {
			return dial(ctx, cfg.Storage.URL)
		}
	} else {
		opts.URL = cfg.Storage.URL
		opts.Connector = dial
	}
	return connection.New(opts)
}

func (a *App) Run() error {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()

	// Start HTTP
	logger.Infow("Upload gateway starting", "addr", a.cfg.Server.Addr)
	serverErrCh := make(chan error, 2)
	go func() {
		if err := a.server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	// Start gRPC health
	if a.health != nil {
		go a.health.Watch(watchCtx)
		go func() {
			if err := a.health.Start(); err != nil {
				serverErrCh <- fmt.Errorf("grpc health server failed: %w", err)
			}
		}()
	}

	// Wait for shutdown signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	var runErr error
	select {
	case sig := <-stop:
		logger.Infow("Shutdown signal received", "signal", sig.String())
	case err := <-serverErrCh:
		runErr = err
		logger.Errorw("Upload gateway exited unexpectedly", "error", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting uploads, cancels the running ones, then releases
// the storage connection.
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down upload gateway")

	var errs []error
	if a.health != nil {
		a.health.Stop()
	}
	if err := a.service.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.Errorw("Upload gateway shutdown error", "error", err.Error())
	}
	return err
}
