package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"sqlpipe/internal/shared"
	"sqlpipe/pkg/pipeline"
)

// sqliteError is the primary result code for generic SQL errors such as
// syntax errors or missing tables.
const sqliteError = 1

// StatusOf maps an error to an HTTP status code.
func StatusOf(err error) int {
	switch shared.KindOf(err) {
	case shared.KindMisuse:
		return http.StatusBadRequest
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindConstraint:
		return http.StatusConflict
	case shared.KindReadOnly:
		return http.StatusForbidden
	case shared.KindBusy, shared.KindClosed:
		return http.StatusServiceUnavailable
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	case shared.KindCanceled:
		return 499
	}

	var ee *pipeline.EngineError
	if errors.As(err, &ee) && ee.Code == sqliteError {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, log *slog.Logger, err error) {
	status := StatusOf(err)
	body := gin.H{"error": err.Error(), "kind": shared.KindOf(err).String()}

	var ee *pipeline.EngineError
	if errors.As(err, &ee) {
		body["code"] = ee.ExtendedCode
		if ee.Detail != "" {
			body["detail"] = ee.Detail
		}
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": shared.KindMisuse.String()})
}
