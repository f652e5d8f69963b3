package app

import (
	"errors"
	"net"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// SyncHealthService отражает в grpc.health.v1 связь движка с remote.
const SyncHealthService = "ordersync.SyncEngine"

// onlineSource описывает, что gRPC health нужно от движка.
type onlineSource interface {
	IsOnline() bool
	Subscribe(callback func(domain.Change)) func()
}

// grpcServer держит gRPC-сервер с health и reflection.
type grpcServer struct {
	server      *grpc.Server
	health      *health.Server
	unsubscribe func()
	logger      *log.Entry
}

func newGRPCServer(engine onlineSource, registerer prometheus.Registerer, logger *log.Entry) *grpcServer {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := registerer.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s := &grpcServer{server: server, health: healthServer, logger: logger}
	s.mirror(engine.IsOnline())
	s.unsubscribe = engine.Subscribe(func(change domain.Change) {
		if state, ok := change.Data.(domain.EngineState); ok && change.Type == domain.ChangeState {
			s.mirror(state != domain.StateOffline)
		}
	})
	return s
}

// mirror переводит online-флаг движка в статус SyncHealthService.
func (s *grpcServer) mirror(online bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if online {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SyncHealthService, status)
}

func (s *grpcServer) serve(lis net.Listener) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", lis.Addr().String()).Info("grpc server listening")
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// stop останавливает сервер; при превышении таймаута соединения рвутся принудительно.
func (s *grpcServer) stop() {
	s.unsubscribe()
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("graceful stop timed out, forcing stop")
		s.server.Stop()
	}
}
