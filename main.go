package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pulsecheckpoint/runtime/checkpoint"
	"github.com/pulsecheckpoint/runtime/config"
	"github.com/pulsecheckpoint/runtime/metrics"
	"github.com/pulsecheckpoint/runtime/registry"
	"github.com/pulsecheckpoint/runtime/retry"
	"github.com/pulsecheckpoint/runtime/service"
	"github.com/pulsecheckpoint/runtime/storage"
)

var (
	listenAddr  string
	metricsAddr string
	backend     string
	bucket      string
)

func init() {
	flag.StringVar(&listenAddr, "listen-address", "", "api listen address")
	flag.StringVar(&metricsAddr, "metrics-address", "", "metrics listen address")
	flag.StringVar(&backend, "storage-backend", "", "storage backend: s3 or redis")
	flag.StringVar(&bucket, "bucket", "", "bucket name")
}

func main() {
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if backend != "" {
		cfg.Storage.Backend = backend
	}
	if bucket != "" {
		cfg.Storage.Bucket = bucket
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := buildStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise storage", zap.Error(err))
	}

	stop := make(chan struct{})

	retrier := retry.New(retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay(),
		MaxDelay:     cfg.Retry.MaxDelay(),
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.JitterFraction,
	}, storage.Retryable, logger)

	reg := registry.NewService(cfg, stop, logger)
	regDone := reg.Start()

	mgr := checkpoint.NewManager(cfg, store, retrier, reg, stop, logger)

	api := service.NewAPI(cfg, reg, mgr, stop, logger)
	if err := api.Start(); err != nil {
		logger.Fatal("failed to start api", zap.Error(err))
	}

	metricsServer := metrics.NewServer(cfg.MetricsAddr, func() bool {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}, logger)
	if err := metricsServer.Start(); err != nil {
		logger.Fatal("failed to start metrics server", zap.Error(err))
	}

	logger.Info("pulse checkpoint runtime started",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.String("storage_backend", cfg.Storage.Backend))

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGINT)
	<-sigchan

	logger.Info("shutdown signal received, draining")
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Checkpoint.ShutdownTimeout())
	defer cancel()

	if err := mgr.Close(ctx); err != nil {
		logger.Warn("uploads did not drain before deadline", zap.Error(err))
	}
	<-api.Done()
	<-regDone
	if err := metricsServer.Stop(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "redis":
		return storage.NewRedisStore(storage.RedisStoreConfig{
			Addr:       cfg.Storage.RedisAddr,
			Password:   cfg.Storage.RedisPassword,
			DB:         cfg.Storage.RedisDB,
			PathPrefix: cfg.Storage.PathPrefix,
		}, logger), nil
	default:
		client, err := buildS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return storage.NewS3Store(client, storage.S3StoreConfig{
			Bucket:             cfg.Storage.Bucket,
			PathPrefix:         cfg.Storage.PathPrefix,
			MultipartThreshold: cfg.Storage.MultipartThresholdBytes,
			PartSize:           cfg.Storage.PartSizeBytes,
		}, logger), nil
	}
}

func buildS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.Region),
	}
	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.ForcePathStyle
	}), nil
}
