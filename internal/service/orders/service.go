// Package orders реализует прикладной фасад над локальным хранилищем и очередью синхронизации.
// Все мутации сначала пишутся локально и только затем уходят в очередь.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

const dateLayout = "2006-01-02"

// ErrInvalidPayload возвращается, если payload заказа не JSON-объект.
var ErrInvalidPayload = errors.New("order payload must be a JSON object")

// Queue описывает часть sync-движка, нужную фасаду.
type Queue interface {
	Enqueue(ctx context.Context, op domain.Operation, order domain.Order, localID string) (domain.PendingChange, error)
	ActorID() string
}

// Details содержит поля payload, которые понимает фасад. Остальные поля payload сохраняются как есть.
type Details struct {
	Completed       bool   `json:"completed"`
	CustomerName    string `json:"customer_name"`
	CustomerPhone   string `json:"customer_phone"`
	DeliveryAddress string `json:"delivery_address"`
	DeliveryDate    string `json:"delivery_date"`
	DateFrom        string `json:"date_from"`
}

// Date возвращает дату исполнения заказа: delivery_date, а при её отсутствии date_from.
func (d Details) Date() string {
	if d.DeliveryDate != "" {
		return d.DeliveryDate
	}
	return d.DateFrom
}

// Filter задаёт условия выборки List. Пустые поля не ограничивают выборку.
type Filter struct {
	Completed *bool
	Search    string
	DateFrom  string
	DateTo    string
}

// Statistics содержит сводку по неудалённым заказам.
type Statistics struct {
	Total           int `json:"total"`
	Completed       int `json:"completed"`
	Pending         int `json:"pending"`
	TodayDeliveries int `json:"today_deliveries"`
	SyncPending     int `json:"sync_pending"`
}

// Service реализует CRUD заказов в offline-first режиме.
type Service struct {
	store  domain.LocalStore
	queue  Queue
	now    func() time.Time
	logger *log.Entry
}

// NewService создаёт фасад. now может быть nil.
func NewService(store domain.LocalStore, queue Queue, now func() time.Time, logger *log.Entry) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	}
	if logger == nil {
		logger = log.WithField("component", "orders-service")
	}
	return &Service{store: store, queue: queue, now: now, logger: logger}
}

// Create сохраняет новый заказ с временным id и ставит create в очередь.
func (s *Service) Create(ctx context.Context, payload json.RawMessage) (domain.Order, error) {
	if err := validatePayload(payload); err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	actor := s.queue.ActorID()
	order := domain.Order{
		ID:         domain.NewLocalID(now),
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncStatus: domain.SyncStatePending,
		CreatedBy:  actor,
		UpdatedBy:  actor,
		Payload:    payload,
	}
	if err := s.store.Upsert(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("save order locally: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, domain.OperationCreate, order, order.ID); err != nil {
		return domain.Order{}, err
	}

	s.logger.WithField("order_id", order.ID).Debug("order created locally")
	return order, nil
}

// Update заменяет payload заказа.
func (s *Service) Update(ctx context.Context, id string, payload json.RawMessage) (domain.Order, error) {
	if err := validatePayload(payload); err != nil {
		return domain.Order{}, err
	}
	order, err := s.live(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	order.Payload = payload
	s.touch(&order)
	if err := s.store.Upsert(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("save order locally: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, domain.OperationUpdate, order, ""); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// BatchResult описывает итог batch-обновления одного заказа.
type BatchResult struct {
	ID    string        `json:"id"`
	Order *domain.Order `json:"order,omitempty"`
	Error string        `json:"error,omitempty"`
}

// BatchUpdate сливает ключи верхнего уровня fields в payload каждого заказа и ставит
// update в очередь. Ошибка одного заказа попадает в его BatchResult и не прерывает остальные.
func (s *Service) BatchUpdate(ctx context.Context, ids []string, fields json.RawMessage) ([]BatchResult, error) {
	if len(ids) == 0 {
		return nil, domain.ErrOrderIDRequired
	}
	if err := validatePayload(fields); err != nil {
		return nil, err
	}

	results := make([]BatchResult, 0, len(ids))
	failed := 0
	for _, id := range ids {
		result := BatchResult{ID: id}
		order, err := s.batchUpdateOne(ctx, id, fields)
		if err != nil {
			result.Error = err.Error()
			failed++
		} else {
			result.Order = &order
		}
		results = append(results, result)
	}

	if failed > 0 {
		s.logger.WithFields(log.Fields{
			"total":  len(ids),
			"failed": failed,
		}).Warn("batch update finished with errors")
	}
	return results, nil
}

func (s *Service) batchUpdateOne(ctx context.Context, id string, fields json.RawMessage) (domain.Order, error) {
	order, err := s.live(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	merged, err := mergeFields(order.Payload, fields)
	if err != nil {
		return domain.Order{}, err
	}

	order.Payload = merged
	s.touch(&order)
	if err := s.store.Upsert(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("save order locally: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, domain.OperationUpdate, order, ""); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// Delete помечает заказ удалённым; запись остаётся tombstone-ом до компакции.
func (s *Service) Delete(ctx context.Context, id string) error {
	order, err := s.live(ctx, id)
	if err != nil {
		return err
	}

	order.Deleted = true
	s.touch(&order)
	if err := s.store.Upsert(ctx, order); err != nil {
		return fmt.Errorf("save order locally: %w", err)
	}
	_, err = s.queue.Enqueue(ctx, domain.OperationDelete, order, "")
	return err
}

// Get возвращает неудалённый заказ.
func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	return s.live(ctx, id)
}

// List возвращает неудалённые заказы, новые первыми.
func (s *Service) List(ctx context.Context, filter Filter) ([]domain.Order, error) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	result := make([]domain.Order, 0, len(all))
	for _, order := range all {
		if order.Deleted {
			continue
		}
		details := decodeDetails(order.Payload)
		if filter.Completed != nil && details.Completed != *filter.Completed {
			continue
		}
		if search != "" && !matches(order, details, search) {
			continue
		}
		date := details.Date()
		if filter.DateFrom != "" && (date == "" || date < filter.DateFrom) {
			continue
		}
		if filter.DateTo != "" && (date == "" || date > filter.DateTo) {
			continue
		}
		result = append(result, order)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Statistics считает сводку по неудалённым заказам.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	orders, err := s.List(ctx, Filter{})
	if err != nil {
		return Statistics{}, err
	}

	today := s.now().Format(dateLayout)
	var stats Statistics
	for _, order := range orders {
		details := decodeDetails(order.Payload)
		stats.Total++
		if details.Completed {
			stats.Completed++
		} else {
			stats.Pending++
		}
		if details.DeliveryDate == today {
			stats.TodayDeliveries++
		}
		if order.SyncStatus == domain.SyncStatePending {
			stats.SyncPending++
		}
	}
	return stats, nil
}

func (s *Service) live(ctx context.Context, id string) (domain.Order, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	order, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if !ok || order.Deleted {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return order, nil
}

func (s *Service) touch(order *domain.Order) {
	now := s.now()
	if !now.After(order.UpdatedAt) {
		now = order.UpdatedAt.Add(time.Millisecond)
	}
	order.UpdatedAt = now
	order.UpdatedBy = s.queue.ActorID()
	order.SyncStatus = domain.SyncStatePending
}

func validatePayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload, &object); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

func mergeFields(payload, fields json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &merged); err != nil {
			return nil, fmt.Errorf("%w: stored payload: %w", ErrInvalidPayload, err)
		}
	}
	if len(fields) > 0 {
		var update map[string]json.RawMessage
		if err := json.Unmarshal(fields, &update); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		for key, value := range update {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

func decodeDetails(payload json.RawMessage) Details {
	var details Details
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &details)
	}
	return details
}

func matches(order domain.Order, details Details, search string) bool {
	haystack := strings.ToLower(strings.Join([]string{
		order.ID,
		details.CustomerName,
		details.CustomerPhone,
		details.DeliveryAddress,
	}, " "))
	return strings.Contains(haystack, search)
}
