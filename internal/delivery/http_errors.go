package delivery

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"adlens/internal/domain"

	"github.com/gin-gonic/gin"
)

// statusFor maps an error code to the HTTP status returned to callers.
func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeNotReady:
		return http.StatusConflict
	case domain.CodeMalformedInput:
		return http.StatusBadRequest
	case domain.CodeAuthRejected, domain.CodeInsufficientScope, domain.CodeRateLimited,
		domain.CodeTransient, domain.CodeProviderUnreachable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders err as {error, code, message, hint, request_id}.
// Unclassified errors are logged and reported without their details.
func (h *HTTPHandlers) writeError(c *gin.Context, err error) {
	requestID := c.GetString("request_id")

	code := domain.CodeInternal
	message := "the server hit an unexpected error"
	hint := ""
	var de *domain.Error
	if errors.As(err, &de) {
		code = de.Code
		message = de.Message
		hint = de.Hint
	}
	status := statusFor(code)

	entry := h.logger.WithContext(c.Request.Context()).WithFields(map[string]any{
		"code":  code,
		"error": err.Error(),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	if d := domain.RetryAfterOf(err); d > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}

	c.JSON(status, gin.H{
		"error":      http.StatusText(status),
		"code":       code,
		"message":    message,
		"hint":       hint,
		"request_id": requestID,
	})
}
