package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/lexisync/internal/errs"
)

// statusOf maps service sentinels to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrUnknownEntity):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrPolicy), errors.Is(err, errs.ErrScheduling):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error body. Server-side failures are logged and
// answered with a generic message.
func fail(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = http.StatusText(code)
	}
	writeError(w, msg, code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
