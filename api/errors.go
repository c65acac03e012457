package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

type errorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// statusFor maps the domain error taxonomy onto HTTP statuses. Only store
// failures hide their message.
func statusFor(err error) (int, string) {
	var (
		vErr  *domain.ValidationError
		nfErr *domain.NotFoundError
		cErr  *domain.ConflictError
		hErr  *echo.HTTPError
	)
	switch {
	case errors.As(err, &vErr):
		return http.StatusUnprocessableEntity, vErr.Error()
	case errors.As(err, &nfErr):
		return http.StatusNotFound, nfErr.Error()
	case errors.As(err, &cErr):
		return http.StatusConflict, cErr.Error()
	case errors.As(err, &hErr):
		if msg, ok := hErr.Message.(string); ok {
			return hErr.Code, msg
		}
		return hErr.Code, http.StatusText(hErr.Code)
	}
	return http.StatusInternalServerError, "server error"
}

func writeError(c echo.Context, logger *log.Logger, stage string, err error) error {
	status, msg := statusFor(err)
	m := metricsFrom(c)
	m.SetErrorStage(stage)
	m.SetError(err)
	if status >= http.StatusInternalServerError {
		entry := logger.WithError(err).WithFields(log.Fields{"route": c.Path(), "stage": stage})
		if cause := errors.Unwrap(err); cause != nil {
			entry = entry.WithField("cause", cause.Error())
		}
		entry.Error("request failed")
	}
	return c.JSON(status, errorResponse{Error: true, Message: msg})
}
