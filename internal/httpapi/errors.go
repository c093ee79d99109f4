package httpapi

import (
	"errors"
	"net/http"

	"contact-center/internal/ivr"
	"contact-center/internal/queue"
	"contact-center/internal/routing"
	"contact-center/internal/sla"
	"contact-center/internal/telephony"
	"contact-center/internal/webhook"
	"contact-center/pkg/logger"

	"github.com/gin-gonic/gin"
)

// statusOf maps domain errors to HTTP status codes and a public message.
// Anything unrecognized is a 500 with a generic message.
func statusOf(err error) (int, string) {
	var transport *telephony.TransportError
	switch {
	case errors.Is(err, webhook.ErrAuthentication):
		return http.StatusForbidden, "signature verification failed"
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, ivr.ErrFlowNotFound),
		errors.Is(err, ivr.ErrSessionNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, ivr.ErrStale):
		return http.StatusConflict, "stale event"
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, ivr.ErrExecution):
		return http.StatusConflict, err.Error()
	case errors.Is(err, routing.ErrNoMatch):
		return http.StatusUnprocessableEntity, "no routing target matched"
	case errors.Is(err, ivr.ErrInvalidFlow),
		errors.Is(err, queue.ErrInvalidArgument),
		errors.Is(err, sla.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &transport):
		return http.StatusBadGateway, "vendor request failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(c *gin.Context, err error) {
	status, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
