package apperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sakashimaa/shop-payments/pkg/mylogger"
	"go.uber.org/zap"
)

const uniqueViolationCode = "23505"

// NormalizeDB maps a raw store error to the closed taxonomy and logs
// it exactly once: warn for 4xx mappings, error for 500. An error that
// is already an *Error passes through untouched so callers never
// double-log.
func NormalizeDB(ctx context.Context, logger *zap.Logger, err error, repository, operation string) error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}

	fields := []zap.Field{
		zap.String("repository", repository),
		zap.String("operation", operation),
		zap.Error(err),
	}

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode:
		mylogger.Warn(ctx, logger, "Unique constraint violation", fields...)

		return &Error{
			Code:    CodeUniqueConstraint,
			Status:  http.StatusConflict,
			Message: "duplicate key violates unique constraint",
			Err:     err,
		}
	case errors.Is(err, pgx.ErrNoRows):
		mylogger.Warn(ctx, logger, "Record not found", fields...)

		return &Error{
			Code:    CodeRecordNotFound,
			Status:  http.StatusNotFound,
			Message: "record not found",
			Err:     err,
		}
	default:
		mylogger.Error(ctx, logger, "Database operation failed", fields...)

		return &Error{
			Code:    CodeOperationFailed,
			Status:  http.StatusInternalServerError,
			Message: "database operation failed",
			Err:     err,
		}
	}
}

// IsUniqueViolation reports whether err is the store's duplicate-key
// signal. Idempotent paths branch on this before normalizing.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
