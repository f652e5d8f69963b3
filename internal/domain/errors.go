package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectivity — remote недоступен (сеть, таймаут, закрытое соединение).
	ErrConnectivity = errors.New("remote store unreachable")
	// ErrAuth — remote отклонил учётные данные или права доступа.
	ErrAuth = errors.New("remote store authorization failed")
	// ErrConflict — remote отклонил update из-за конкурентного изменения.
	ErrConflict = errors.New("remote store update conflict")
	// ErrNotFound возвращается, если заказ не найден.
	ErrNotFound = errors.New("order not found")
	// ErrPersistence — ошибка чтения/записи локального хранилища.
	ErrPersistence = errors.New("local store persistence failure")
	// ErrPermanentSyncFailure — pending change исчерпал лимит попыток.
	ErrPermanentSyncFailure = errors.New("permanent sync failure")
	// ErrInvalidOperation — неизвестный тип pending change.
	ErrInvalidOperation = errors.New("invalid pending change operation")
	// ErrOrderIDRequired — операция требует идентификатор заказа.
	ErrOrderIDRequired = errors.New("order id is required")
)

// IsConnectivity проверяет, что ошибка означает потерю связи с remote.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsConflict проверяет, является ли ошибка конфликтом конкурентного изменения.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound проверяет, что запись отсутствует.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAuth проверяет ошибку авторизации remote.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// PermanentSyncFailure описывает pending change, который больше не ретраится автоматически.
type PermanentSyncFailure struct {
	ChangeID  string
	OrderID   string
	Operation Operation
	Attempts  int
	LastError string
}

func (f *PermanentSyncFailure) Error() string {
	return fmt.Sprintf("%s %s (change %s) failed after %d attempts: %s",
		f.Operation, f.OrderID, f.ChangeID, f.Attempts, f.LastError)
}

func (f *PermanentSyncFailure) Unwrap() error {
	return ErrPermanentSyncFailure
}
