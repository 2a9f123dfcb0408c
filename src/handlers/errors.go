package handlers

import (
	"errors"
	"net/http"

	"github.com/username/stockfolio/src/logger"
	"github.com/username/stockfolio/src/models"
	"github.com/username/stockfolio/src/utils"
)

// statusForError maps the domain sentinels onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientPosition):
		return http.StatusConflict
	case errors.Is(err, models.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error, logContext string) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		logger.L.Error(logContext, "error", err)
		utils.SendJSONError(w, "internal server error", status)
		return
	}
	logger.L.Warn(logContext, "error", err)
	utils.SendJSONError(w, err.Error(), status)
}
