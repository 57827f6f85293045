package http

import (
	"errors"
	"net/http"

	"github.com/sakashimaa/shop-payments/internal/apperr"
)

func statusFromError(err error) (int, string) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Status, appErr.Message
	}

	return http.StatusInternalServerError, "internal error"
}
