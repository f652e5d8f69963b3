package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vladislavdragonenkov/ordersync/internal/config"
)

// memoryConfig возвращает полностью in-memory конфигурацию без внешних зависимостей.
func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.Local.Driver = config.LocalDriverMemory
	cfg.Remote.Driver = config.RemoteDriverMemory
	cfg.Sync.ActorID = "test-actor"
	return cfg
}

func newTestDependencies(t *testing.T, cfg config.Config) (*runtimeDependencies, *prometheus.Registry) {
	t.Helper()

	registry := prometheus.NewRegistry()
	deps, err := initRuntimeDependencies(context.Background(), cfg, registry, noop.NewTracerProvider(), log.WithField("test", t.Name()))
	if err != nil {
		t.Fatalf("init dependencies: %v", err)
	}
	t.Cleanup(func() { _ = deps.close() })
	return deps, registry
}

func newTestServer(t *testing.T) (*httptest.Server, *runtimeDependencies) {
	t.Helper()

	deps, registry := newTestDependencies(t, memoryConfig())
	handler := newRouter(&httpHandler{
		engine: deps.engine,
		orders: deps.orders,
		health: deps.health,
		gather: registry,
		logger: log.WithField("test", t.Name()),
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, deps
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
