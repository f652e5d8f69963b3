package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ordersync/internal/health"
	"github.com/vladislavdragonenkov/ordersync/internal/service/orders"
)

const (
	maxRequestBody  = 1 << 20
	shutdownTimeout = 5 * time.Second
	// syncNowTimeout ограничивает ручной цикл: он не привязан к соединению клиента.
	syncNowTimeout = 30 * time.Second
)

// syncEngine описывает часть движка, доступную через HTTP.
type syncEngine interface {
	GetStatus() domain.SyncStatus
	ForceSyncNow(ctx context.Context) error
	CheckConnection(ctx context.Context) error
	ClearSyncErrors()
	Subscribe(callback func(domain.Change)) func()
}

// orderService даёт UI CRUD заказов.
type orderService interface {
	Create(ctx context.Context, payload json.RawMessage) (domain.Order, error)
	Update(ctx context.Context, id string, payload json.RawMessage) (domain.Order, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Order, error)
	List(ctx context.Context, filter orders.Filter) ([]domain.Order, error)
	Statistics(ctx context.Context) (orders.Statistics, error)
	BatchUpdate(ctx context.Context, ids []string, fields json.RawMessage) ([]orders.BatchResult, error)
}

// httpHandler обслуживает REST API статуса синхронизации и заказов.
type httpHandler struct {
	engine syncEngine
	orders orderService
	health *healthcheck.Handler
	gather prometheus.Gatherer
	logger *log.Entry
}

func newRouter(h *httpHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Handle("/metrics", promhttp.HandlerFor(h.gather, promhttp.HandlerOpts{}))
	r.Handle("/healthz", h.health)
	r.Get("/readyz", h.health.ReadinessHandler)
	r.Get("/livez", healthcheck.LivenessHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", h.getStatus)
			r.Post("/now", h.syncNow)
			r.Post("/check", h.checkConnection)
			r.Delete("/errors", h.clearErrors)
			r.Get("/events", h.streamEvents)
		})
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.listOrders)
			r.Post("/", h.createOrder)
			r.Patch("/", h.batchUpdateOrders)
			r.Get("/stats", h.orderStats)
			r.Get("/{id}", h.getOrder)
			r.Put("/{id}", h.updateOrder)
			r.Delete("/{id}", h.deleteOrder)
		})
	})
	return r
}

// requestLogger пишет одну строку logrus на запрос.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(started).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}

func (h *httpHandler) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetStatus())
}

func (h *httpHandler) syncNow(w http.ResponseWriter, r *http.Request) {
	// Цикл общий для всех клиентов, обрыв запроса не должен его прерывать.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), syncNowTimeout)
	defer cancel()
	if err := h.engine.ForceSyncNow(ctx); err != nil {
		h.logger.WithError(err).Warn("manual sync failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.GetStatus())
}

type connectionCheck struct {
	Online    bool   `json:"online"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func (h *httpHandler) checkConnection(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	err := h.engine.CheckConnection(r.Context())
	result := connectionCheck{Online: err == nil, LatencyMs: time.Since(started).Milliseconds()}
	if err != nil {
		result.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *httpHandler) clearErrors(w http.ResponseWriter, _ *http.Request) {
	h.engine.ClearSyncErrors()
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := orders.Filter{
		Search:   query.Get("search"),
		DateFrom: query.Get("date_from"),
		DateTo:   query.Get("date_to"),
	}
	if raw := query.Get("completed"); raw != "" {
		completed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("completed must be a boolean"))
			return
		}
		filter.Completed = &completed
	}

	list, err := h.orders.List(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *httpHandler) orderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orders.Statistics(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *httpHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *httpHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order, err := h.orders.Create(r.Context(), payload)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *httpHandler) updateOrder(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order, err := h.orders.Update(r.Context(), chi.URLParam(r, "id"), payload)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type batchUpdateRequest struct {
	IDs    []string        `json:"ids"`
	Fields json.RawMessage `json:"fields"`
}

func (h *httpHandler) batchUpdateOrders(w http.ResponseWriter, r *http.Request) {
	var req batchUpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode batch update: %w", err))
		return
	}
	results, err := h.orders.BatchUpdate(r.Context(), req.IDs, req.Fields)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *httpHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readPayload(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

// statusFor сопоставляет доменные ошибки HTTP-кодам.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrInvalidPayload),
		errors.Is(err, domain.ErrOrderIDRequired),
		errors.Is(err, domain.ErrInvalidOperation):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsConnectivity(err):
		return http.StatusServiceUnavailable
	case domain.IsAuth(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// startHTTPServer запускает API вместе с /metrics и health probes.
func startHTTPServer(addr string, handler http.Handler, logger *log.Entry) (*http.Server, <-chan error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return srv, errCh
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
