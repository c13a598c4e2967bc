package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfish/sellerbot/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all
// endpoints. RequestID correlates server logs with client errors, Code
// is a stable machine-readable string (see errors.go), Message is safe
// to display.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts the request with a structured error. Server errors
// (>= 500) are additionally logged with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant for router-level fallbacks (NoRoute,
// NoMethod).
func Fail(c *gin.Context, status int, code, msg string) {
	fail(c, status, code, msg)
}

// ok writes payload as JSON with 200 OK.
func ok(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// created writes payload as JSON with 201 Created.
func created(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}

// noContent writes an empty 204 response.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
