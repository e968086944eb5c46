package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var statusByKind = []struct {
	kind   error
	status int
}{
	{changes.ErrBadRequest, http.StatusBadRequest},
	{changes.ErrAuth, http.StatusForbidden},
	{changes.ErrNotFound, http.StatusNotFound},
	{changes.ErrConflict, http.StatusConflict},
	{changes.ErrUnprocessable, http.StatusUnprocessableEntity},
}

func statusOf(err error) int {
	for _, entry := range statusByKind {
		if errors.Is(err, entry.kind) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

// writeError renders a service error. Messages of unclassified errors stay in the log.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := statusOf(err)
	payload := gin.H{"error": err.Error()}
	var serviceErr *changes.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		payload["error"] = "internal_error"
	}
	c.JSON(status, payload)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
