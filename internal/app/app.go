package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/config"
	"github.com/vladislavdragonenkov/ordersync/internal/telemetry"
	"github.com/vladislavdragonenkov/ordersync/internal/version"
)

// Run поднимает движок синхронизации, компакцию, HTTP API и gRPC health и
// блокируется до отмены ctx. При штатной остановке возвращает ctx.Err().
func Run(ctx context.Context, cfg config.Config) error {
	return run(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func run(ctx context.Context, cfg config.Config, registerer prometheus.Registerer, gatherer prometheus.Gatherer) error {
	logger := log.WithField("component", "app")
	logger.WithFields(version.Fields()).Info("starting ordersync")

	tracer, shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.GetVersion(),
		Headers:        cfg.Telemetry.Headers,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("telemetry shutdown with error")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, registerer, tracer, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close dependencies")
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		fatalCh = make(chan error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := deps.engine.Run(runCtx); err != nil {
			fatalCh <- fmt.Errorf("sync engine: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := deps.compaction.Run(runCtx); err != nil {
			fatalCh <- fmt.Errorf("compaction worker: %w", err)
		}
	}()

	grpcSrv := newGRPCServer(deps.engine, registerer, logger.WithField("layer", "grpc"))
	grpcErrCh := grpcSrv.serve(lis)

	handler := newRouter(&httpHandler{
		engine: deps.engine,
		orders: deps.orders,
		health: deps.health,
		gather: gatherer,
		logger: logger.WithField("layer", "http"),
	})
	httpSrv, httpErrCh := startHTTPServer(cfg.HTTPAddr, handler, logger)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping servers")
		runErr = ctx.Err()
	case err := <-fatalCh:
		runErr = err
	case err, ok := <-grpcErrCh:
		if ok {
			runErr = fmt.Errorf("grpc server: %w", err)
		}
	case err, ok := <-httpErrCh:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownHTTP(httpSrv, logger)
	grpcSrv.stop()
	cancel()
	wg.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		logger.WithError(runErr).Error("ordersync stopped with error")
	}
	return runErr
}
