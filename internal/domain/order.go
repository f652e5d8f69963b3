package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncState показывает, принята ли локальная копия заказа удалённым хранилищем.
type SyncState string

const (
	// SyncStatePending — локальное изменение ещё не подтверждено remote.
	SyncStatePending SyncState = "pending"
	// SyncStateSynced — копия совпадает с подтверждённой записью remote.
	SyncStateSynced SyncState = "synced"
)

// LocalIDPrefix отмечает временные идентификаторы заказов, созданных офлайн.
const LocalIDPrefix = "local_"

// Order — единица синхронизации. Бизнес-поля (клиент, товары, оплата) лежат в Payload
// и для sync-ядра непрозрачны.
type Order struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deleted    bool            `json:"deleted"`
	SyncStatus SyncState       `json:"sync_status"`
	CreatedBy  string          `json:"created_by,omitempty"`
	UpdatedBy  string          `json:"updated_by,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewerThan сообщает, что o изменён строго позже other.
func (o Order) NewerThan(other Order) bool {
	return o.UpdatedAt.After(other.UpdatedAt)
}

// Applied сообщает, что patch уже применён к o: тот же момент, автор и содержимое.
// Повтор такой записи безопасен, любое другое совпадение updated_at — конфликт.
func (o Order) Applied(p Patch) bool {
	return o.UpdatedAt.Equal(p.UpdatedAt) &&
		o.UpdatedBy == p.UpdatedBy &&
		o.Deleted == p.Deleted &&
		SamePayload(o.Payload, p.Payload)
}

// SamePayload сравнивает payload структурно, как это делает jsonb: порядок ключей и
// пробелы не важны, пустой payload равен {}.
func SamePayload(a, b json.RawMessage) bool {
	var left, right any
	if json.Unmarshal(normalizePayload(a), &left) != nil || json.Unmarshal(normalizePayload(b), &right) != nil {
		return bytes.Equal(a, b)
	}
	leftText, _ := json.Marshal(left)
	rightText, _ := json.Marshal(right)
	return bytes.Equal(leftText, rightText)
}

func normalizePayload(payload json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(payload)) == 0 {
		return json.RawMessage(`{}`)
	}
	return payload
}

// Clone возвращает копию заказа с независимым Payload.
func (o Order) Clone() Order {
	if o.Payload != nil {
		payload := make(json.RawMessage, len(o.Payload))
		copy(payload, o.Payload)
		o.Payload = payload
	}
	return o
}

// Patch описывает изменяемые поля заказа при update в remote.
type Patch struct {
	Payload   json.RawMessage
	Deleted   bool
	UpdatedAt time.Time
	UpdatedBy string
}

// PatchFrom собирает Patch из локального снимка заказа.
func PatchFrom(order Order) Patch {
	return Patch{
		Payload:   order.Payload,
		Deleted:   order.Deleted,
		UpdatedAt: order.UpdatedAt,
		UpdatedBy: order.UpdatedBy,
	}
}

// NewLocalID генерирует временный идентификатор вида local_<unix-ms>_<random>.
func NewLocalID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s%d_%s", LocalIDPrefix, now.UnixMilli(), random[:9])
}

// IsLocalID проверяет, что идентификатор ещё не подтверждён remote.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}
