// Package conflict разрешает конфликты update между локальной и удалённой копией заказа.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// Winner показывает, чья версия заказа остаётся после разрешения.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// Strategy принимает решение по паре версий. Реализация должна быть детерминированной
// и не обращаться к хранилищам.
type Strategy interface {
	Name() string
	Decide(local, remote domain.Order) (domain.Order, Winner)
}

// Resolution описывает итог разрешения конфликта.
type Resolution struct {
	OrderID  string       `json:"order_id"`
	Winner   Winner       `json:"winner"`
	Strategy string       `json:"strategy"`
	Order    domain.Order `json:"order"`
}

// Resolver применяет решение стратегии к remote и local хранилищам.
type Resolver struct {
	remote   domain.OrderTable
	local    domain.LocalStore
	strategy Strategy
	logger   *log.Entry
}

// Option настраивает Resolver.
type Option func(*Resolver)

// WithStrategy заменяет стратегию по умолчанию (last-write-wins).
func WithStrategy(strategy Strategy) Option {
	return func(r *Resolver) {
		if strategy != nil {
			r.strategy = strategy
		}
	}
}

// WithLogger задаёт logger резолвера.
func WithLogger(logger *log.Entry) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver создаёт резолвер с last-write-wins по умолчанию.
func NewResolver(remote domain.OrderTable, local domain.LocalStore, options ...Option) *Resolver {
	r := &Resolver{
		remote:   remote,
		local:    local,
		strategy: LastWriteWins{},
		logger:   log.WithField("component", "conflict-resolver"),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Resolve читает remote-версию заказа и сводит её с локальным изменением.
// Отсутствие записи в remote возвращает ошибку с ErrNotFound: движок засчитает попытку.
func (r *Resolver) Resolve(ctx context.Context, change domain.PendingChange) (Resolution, error) {
	localOrder := change.Data
	id := change.TargetID()
	if id == "" {
		return Resolution{}, domain.ErrOrderIDRequired
	}

	remoteOrder, err := r.remote.Get(ctx, id)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve conflict for %s: %w", id, err)
	}

	winner, decision := r.strategy.Decide(localOrder, remoteOrder)
	resolution := Resolution{OrderID: id, Winner: decision, Strategy: r.strategy.Name()}

	switch decision {
	case WinnerLocal, WinnerMerged:
		confirmed, err := r.remote.ForceUpdate(ctx, id, domain.PatchFrom(winner))
		if err != nil {
			return Resolution{}, fmt.Errorf("force update %s: %w", id, err)
		}
		resolution.Order = confirmed
	default:
		resolution.Order = remoteOrder
	}

	resolution.Order.SyncStatus = domain.SyncStateSynced
	if err := r.local.Upsert(ctx, resolution.Order); err != nil {
		return Resolution{}, fmt.Errorf("store resolved order %s: %w", id, err)
	}

	r.logger.WithFields(log.Fields{
		"order_id": id,
		"winner":   decision,
		"strategy": resolution.Strategy,
	}).Info("conflict resolved")
	return resolution, nil
}

// LastWriteWins оставляет версию с большим updated_at; при равенстве побеждает remote.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return "last_write_wins" }

func (LastWriteWins) Decide(local, remote domain.Order) (domain.Order, Winner) {
	if local.NewerThan(remote) {
		return local, WinnerLocal
	}
	return remote, WinnerRemote
}

// MergePayload объединяет ключи верхнего уровня payload: общие ключи берутся у более новой
// версии, уникальные сохраняются с обеих сторон. Вложенные объекты не сливаются.
type MergePayload struct{}

func (MergePayload) Name() string { return "merge_payload" }

func (MergePayload) Decide(local, remote domain.Order) (domain.Order, Winner) {
	newer, older := remote, local
	if local.NewerThan(remote) {
		newer, older = local, remote
	}

	var newerFields, olderFields map[string]json.RawMessage
	if json.Unmarshal(newer.Payload, &newerFields) != nil || json.Unmarshal(older.Payload, &olderFields) != nil {
		return LastWriteWins{}.Decide(local, remote)
	}

	merged := make(map[string]json.RawMessage, len(newerFields)+len(olderFields))
	for key, value := range olderFields {
		merged[key] = value
	}
	for key, value := range newerFields {
		merged[key] = value
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return LastWriteWins{}.Decide(local, remote)
	}

	result := newer.Clone()
	result.ID = remote.ID
	result.CreatedAt = remote.CreatedAt
	result.CreatedBy = remote.CreatedBy
	result.Payload = payload
	if domain.SamePayload(payload, remote.Payload) && result.Deleted == remote.Deleted {
		return remote, WinnerRemote
	}
	return result, WinnerMerged
}

