package domain

import "time"

// Operation — тип локальной мутации в очереди.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid проверяет, что операция поддерживается.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// PendingChange — локальная мутация, ещё не подтверждённая remote.
type PendingChange struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	Data      Order     `json:"data"`
	LocalID   string    `json:"localId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Учёт повторов хранится вместе с записью, чтобы backoff переживал рестарт.
	Attempts      int        `json:"attempts,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	Failed        bool       `json:"failed,omitempty"`
}

// TargetID возвращает идентификатор заказа, к которому относится изменение.
func (c PendingChange) TargetID() string {
	if c.Data.ID != "" {
		return c.Data.ID
	}
	return c.LocalID
}

// DueAt сообщает, можно ли пробовать запись в момент now.
func (c PendingChange) DueAt(now time.Time) bool {
	return c.NextAttemptAt == nil || !now.Before(*c.NextAttemptAt)
}

// EngineState — состояние sync-движка.
type EngineState string

const (
	StateOffline       EngineState = "offline"
	StateOnlineIdle    EngineState = "online_idle"
	StateOnlineSyncing EngineState = "online_syncing"
)

// SyncError — запись в ограниченном журнале ошибок синхронизации.
type SyncError struct {
	Time      time.Time `json:"time"`
	ChangeID  string    `json:"change_id,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Operation Operation `json:"operation,omitempty"`
	Message   string    `json:"message"`
	Permanent bool      `json:"permanent"`
}

// SyncStatus — снимок наблюдаемого состояния движка (read-only копия).
type SyncStatus struct {
	State           EngineState     `json:"state"`
	IsOnline        bool            `json:"is_online"`
	IsSyncing       bool            `json:"is_syncing"`
	RealtimeEnabled bool            `json:"realtime_enabled"`
	LastSync        time.Time       `json:"last_sync"`
	LastPull        time.Time       `json:"last_pull"`
	PendingChanges  []PendingChange `json:"pending_changes"`
	PendingCount    int             `json:"pending_count"`
	SyncErrors      []SyncError     `json:"sync_errors"`
}

// ChangeType — тип события для наблюдателей движка.
type ChangeType string

const (
	ChangeState            ChangeType = "state"
	ChangeFlush            ChangeType = "flush"
	ChangePull             ChangeType = "pull"
	ChangeRealtime         ChangeType = "realtime"
	ChangeConflict         ChangeType = "conflict"
	ChangePermanentFailure ChangeType = "permanent_failure"
)

// Change — дескриптор события {type, data, timestamp}.
type Change struct {
	Type      ChangeType `json:"type"`
	Data      any        `json:"data,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// FeedOp — тип строкового изменения в change feed.
type FeedOp string

const (
	FeedInsert FeedOp = "INSERT"
	FeedUpdate FeedOp = "UPDATE"
	FeedDelete FeedOp = "DELETE"
)

// RealtimeEvent — push-уведомление remote об изменении строки orders.
type RealtimeEvent struct {
	Op     FeedOp `json:"op"`
	Record Order  `json:"record"`
	// Actor — кто автор изменения; совпадение с actor id сессии означает эхо.
	Actor string `json:"actor,omitempty"`
}

// ActorID возвращает автора события, при отсутствии — updated_by записи.
func (e RealtimeEvent) ActorID() string {
	if e.Actor != "" {
		return e.Actor
	}
	return e.Record.UpdatedBy
}
