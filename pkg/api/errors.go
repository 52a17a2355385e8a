package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// respondError writes the uniform error envelope.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// respondInternal logs the underlying error and hides it from the client.
func respondInternal(c *gin.Context, op string, err error, args ...any) {
	slog.Error(op, append(args, "error", err)...)
	respondError(c, http.StatusInternalServerError, "internal server error")
}
