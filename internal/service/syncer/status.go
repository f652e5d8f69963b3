package syncer

import (
	"time"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// Subscribe регистрирует наблюдателя. Колбэк вызывается синхронно на каждом переходе
// состояния и завершённом цикле; паника в колбэке перехватывается и логируется.
func (e *Engine) Subscribe(callback func(domain.Change)) func() {
	if callback == nil {
		return func() {}
	}

	e.observersMu.Lock()
	id := e.nextObserver
	e.nextObserver++
	e.observers[id] = callback
	e.observersMu.Unlock()

	return func() {
		e.observersMu.Lock()
		delete(e.observers, id)
		e.observersMu.Unlock()
	}
}

func (e *Engine) emit(kind domain.ChangeType, data any) {
	e.observersMu.Lock()
	callbacks := make([]func(domain.Change), 0, len(e.observers))
	for _, callback := range e.observers {
		callbacks = append(callbacks, callback)
	}
	e.observersMu.Unlock()
	if len(callbacks) == 0 {
		return
	}

	change := domain.Change{Type: kind, Data: data, Timestamp: e.now()}
	for _, callback := range callbacks {
		e.notify(callback, change)
	}
}

func (e *Engine) notify(callback func(domain.Change), change domain.Change) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("panic", r).WithField("change_type", change.Type).Error("sync observer panicked")
		}
	}()
	callback(change)
}

// GetStatus возвращает копию текущего состояния.
func (e *Engine) GetStatus() domain.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := make([]domain.PendingChange, len(e.pending))
	for i, change := range e.pending {
		change.Data = change.Data.Clone()
		if change.NextAttemptAt != nil {
			next := *change.NextAttemptAt
			change.NextAttemptAt = &next
		}
		pending[i] = change
	}
	syncErrors := make([]domain.SyncError, len(e.syncErrors))
	copy(syncErrors, e.syncErrors)

	return domain.SyncStatus{
		State:           e.state,
		IsOnline:        e.state != domain.StateOffline,
		IsSyncing:       e.syncing,
		RealtimeEnabled: e.realtimeEnabled,
		LastSync:        e.lastSync,
		LastPull:        e.lastPull,
		PendingChanges:  pending,
		PendingCount:    len(pending),
		SyncErrors:      syncErrors,
	}
}

// ClearSyncErrors очищает журнал ошибок.
func (e *Engine) ClearSyncErrors() {
	e.mu.Lock()
	e.syncErrors = nil
	e.mu.Unlock()
}

func (e *Engine) setPending(changes []domain.PendingChange) {
	copied := make([]domain.PendingChange, len(changes))
	copy(copied, changes)

	e.mu.Lock()
	e.pending = copied
	e.mu.Unlock()
	e.metrics.SetPending(len(copied))
}

// appendSyncError добавляет запись в журнал. При переполнении сначала вытесняются
// временные ошибки, затем самые старые постоянные.
func (e *Engine) appendSyncError(entry domain.SyncError) {
	if entry.Time.IsZero() {
		entry.Time = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.syncErrors = append(e.syncErrors, entry)
	for len(e.syncErrors) > e.errorLogLimit {
		evict := 0
		for i, existing := range e.syncErrors {
			if !existing.Permanent {
				evict = i
				break
			}
		}
		e.syncErrors = append(e.syncErrors[:evict], e.syncErrors[evict+1:]...)
	}
}

// LastSync возвращает время последнего завершённого цикла.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}
