package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
)

// classify переводит ошибки pgx/database/sql в типизированные ошибки domain.
// Повторы здесь не выполняются: retry-политика принадлежит sync-движку.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"), pgErr.Code == "42501":
			return fmt.Errorf("%s: %w: %w", op, domain.ErrAuth, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return fmt.Errorf("%s: %w: %w", op, domain.ErrConflict, err)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03":
			return fmt.Errorf("%s: %w: %w", op, domain.ErrConnectivity, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &connectErr),
		errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded),
		pgconn.Timeout(err):
		return fmt.Errorf("%s: %w: %w", op, domain.ErrConnectivity, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
