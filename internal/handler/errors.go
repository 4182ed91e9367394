package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/escalation-service/internal/errs"
)

// writeError переводит доменные ошибки в HTTP-статусы; всё прочее — 500 без деталей.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": "internal error"}
	var te *errs.TransitionError
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		status, body = http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, errs.ErrTicketNotFound):
		status, body = http.StatusNotFound, gin.H{"error": "ticket not found"}
	case errors.Is(err, errs.ErrRatingNotFound):
		status, body = http.StatusNotFound, gin.H{"error": "rating not found"}
	case errors.As(err, &te):
		status, body = http.StatusConflict, gin.H{"error": err.Error(), "from": te.From, "to": te.To}
	case errors.Is(err, errs.ErrInvalidTransition), errors.Is(err, errs.ErrStaleTargetAgent), errors.Is(err, errs.ErrRatingExists):
		status, body = http.StatusConflict, gin.H{"error": err.Error()}
	default:
		slog.Error("handler: request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}

func badBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
}
