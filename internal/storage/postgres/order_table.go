package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	orderColumns = `id, payload, deleted, created_at, updated_at, created_by, updated_by`
)

type orderTable struct {
	db *sql.DB
}

// NewOrderTable создаёт PostgreSQL-реализацию remote-таблицы orders.
func NewOrderTable(store *Store) domain.OrderTable {
	return &orderTable{db: store.DB()}
}

// Ping выполняет тот же лёгкий read, что и проверка связи в клиенте: пустая таблица ошибкой не считается.
func (t *orderTable) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var id string
	err := t.db.QueryRowContext(ctx, `SELECT id FROM orders LIMIT 1`).Scan(&id)
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return classify("check connection", err)
}

// Insert идемпотентен по client_ref: повтор вставки с тем же локальным id возвращает
// уже существующую строку вместо дубликата.
func (t *orderTable) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	clientRef := ""
	if order.ID == "" || domain.IsLocalID(order.ID) {
		clientRef = order.ID
		order.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}

	row := t.db.QueryRowContext(ctx, `
		INSERT INTO orders (id, client_ref, payload, deleted, created_at, updated_at, created_by, updated_by)
		VALUES ($1, NULLIF($2, ''), $3::jsonb, $4, $5, $6, $7, $8)
		ON CONFLICT (client_ref) DO UPDATE SET client_ref = EXCLUDED.client_ref
		RETURNING `+orderColumns,
		order.ID, clientRef, payloadText(order.Payload), order.Deleted,
		order.CreatedAt, order.UpdatedAt, order.CreatedBy, order.UpdatedBy,
	)
	confirmed, err := scanOrder(row)
	if err != nil {
		if isUniqueViolation(err) {
			return t.Get(ctx, order.ID)
		}
		return domain.Order{}, classify("insert order", err)
	}
	return confirmed, nil
}

// Update применяет patch, если строка не новее его. Равный updated_at проходит только
// для повтора той же записи, иначе ErrConflict.
func (t *orderTable) Update(ctx context.Context, id string, patch domain.Patch) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, classify("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
		UPDATE orders
		SET payload = $2::jsonb,
		    deleted = $3,
		    updated_at = $4,
		    updated_by = $5,
		    sync_version = sync_version + 1
		WHERE id = $1
		  AND (updated_at < $4
		       OR (updated_at = $4 AND updated_by = $5 AND deleted = $3 AND payload = $2::jsonb))
		RETURNING `+orderColumns,
		id, payloadText(patch.Payload), patch.Deleted, patch.UpdatedAt, patch.UpdatedBy,
	)
	var confirmed domain.Order
	confirmed, err = scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		exists, err = orderExistsTx(ctx, tx, id)
		if err != nil {
			return domain.Order{}, classify("check order exists", err)
		}
		err = domain.ErrNotFound
		if exists {
			err = domain.ErrConflict
		}
		return domain.Order{}, fmt.Errorf("update order %s: %w", id, err)
	}
	if err != nil {
		return domain.Order{}, classify("update order", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.Order{}, classify("commit update order", err)
	}
	return confirmed, nil
}

func (t *orderTable) ForceUpdate(ctx context.Context, id string, patch domain.Patch) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := t.db.QueryRowContext(ctx, `
		UPDATE orders
		SET payload = $2::jsonb,
		    deleted = $3,
		    updated_at = $4,
		    updated_by = $5,
		    sync_version = sync_version + 1
		WHERE id = $1
		RETURNING `+orderColumns,
		id, payloadText(patch.Payload), patch.Deleted, patch.UpdatedAt, patch.UpdatedBy,
	)
	confirmed, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, classify("force update order "+id, err)
	}
	return confirmed, nil
}

func (t *orderTable) SoftDelete(ctx context.Context, id string, at time.Time, actor string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := t.db.ExecContext(ctx, `
		UPDATE orders
		SET deleted = TRUE,
		    updated_at = $2,
		    updated_by = $3,
		    sync_version = sync_version + 1
		WHERE id = $1
	`, id, at, actor)
	if err != nil {
		return classify("soft delete order", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("rows affected", err)
	}
	if affected == 0 {
		return fmt.Errorf("soft delete order %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (t *orderTable) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := t.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, classify("get order "+id, err)
	}
	return order, nil
}

func (t *orderTable) ListSince(ctx context.Context, since time.Time) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := t.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE updated_at >= $1
		ORDER BY updated_at DESC, id DESC
	`, since)
	if err != nil {
		return nil, classify("list orders since", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, classify("scan order row", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate order rows", err)
	}
	return orders, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order   domain.Order
		payload []byte
	)
	if err := row.Scan(
		&order.ID, &payload, &order.Deleted, &order.CreatedAt, &order.UpdatedAt,
		&order.CreatedBy, &order.UpdatedBy,
	); err != nil {
		return domain.Order{}, err
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.Payload = json.RawMessage(payload)
	order.SyncStatus = domain.SyncStateSynced
	return order, nil
}

func orderExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var found string
	err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, err
}

func payloadText(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "{}"
	}
	return string(payload)
}

var _ domain.OrderTable = (*orderTable)(nil)
