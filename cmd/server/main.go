package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/attendance"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/cache"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/cards"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/clients"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/config"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/emergency"
	safetygrpc "github.com/PhurichayaKd/Safety-Bus-sub001/internal/grpc"
	internalhttp "github.com/PhurichayaKd/Safety-Bus-sub001/internal/http"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/jobs"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/metrics"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/notify"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/recipients"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/safety"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/trip"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	loc := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "db connection failed", err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	if cfg.MigrateOnStart {
		if err := store.Migrate(ctx); err != nil {
			fatal(logger, "migration failed", err)
		}
	}

	var debounce cache.Keyed
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			fatal(logger, "redis ping failed", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", "error", err)
			}
		}()
		debounce = cache.NewRedis(redisClient, "safetybus:")
	}

	var channel notify.Channel = clients.Disabled{}
	linePush, err := clients.NewLinePush(cfg.LineChannelToken, cfg.LineAPIEndpoint, cfg.ChannelTimeout)
	switch {
	case err == nil:
		channel = linePush
	case errors.Is(err, clients.ErrPushDisabled):
		logger.Warn("LINE_CHANNEL_TOKEN not set, notifications will be recorded as failed")
	default:
		fatal(logger, "line client init failed", err)
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		fatal(logger, "metrics init failed", err)
	}

	runner := jobs.NewRunner(jobs.Options{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
		Timeout:   cfg.NotifyJobTimeout,
		Failures:  store,
		Metrics:   m,
		Logger:    logger,
	})
	runner.Start(ctx)

	dispatcher := notify.NewDispatcher(channel, store, notify.DispatcherOptions{
		Concurrency: cfg.DispatchConcurrency,
		Timeout:     cfg.ChannelTimeout,
		Location:    loc,
		Metrics:     m,
		Logger:      logger,
	})
	audience := recipients.NewResolver(store, recipients.LineUserID, logger)
	notifier := notify.Async{
		Runner:  runner,
		Handler: notify.NewHandler(store, audience, dispatcher, loc, logger),
	}

	trips := trip.NewTracker(store, logger)
	cardResolver := cards.NewResolver(store, loc, logger)
	recorder := attendance.NewRecorder(store, trips, notifier, attendance.Options{
		DuplicateWindow: cfg.DuplicateScanWindow,
		Location:        loc,
		Debounce:        debounce,
		Logger:          logger,
	})
	incidents := emergency.NewMachine(store, notifier, logger)

	svc := safety.New(safety.Deps{
		Store:     store,
		Cards:     cardResolver,
		Trips:     trips,
		Recorder:  recorder,
		Incidents: incidents,
		Metrics:   m,
		Logger:    logger,
		Timeout:   cfg.DBTimeout,
	})

	server, err := internalhttp.NewServer(cfg, svc, logger)
	if err != nil {
		fatal(logger, "server init failed", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.ServiceAuthToken != "" {
		serviceAuth, err := safetygrpc.NewServiceAuthUnaryInterceptor(cfg.ServiceAuthToken)
		if err != nil {
			fatal(logger, "grpc service auth init failed", err)
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(serviceAuth))
		safetygrpc.RegisterSafetyServiceServer(grpcServer, safetygrpc.NewServer(svc, logger))
	} else {
		logger.Warn("SERVICE_AUTH_TOKEN not set, grpc surface disabled")
	}

	go func() {
		logger.Info("safetybus http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "http server error", err)
		}
	}()

	if grpcServer != nil {
		go func() {
			listener, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				fatal(logger, "grpc listen error", err)
			}
			logger.Info("safetybus grpc listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(listener); err != nil {
				fatal(logger, "grpc server error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	// Handlers are done; drain queued notifications before the pool closes.
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", "error", err)
	}
	cardResolver.Wait()
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
