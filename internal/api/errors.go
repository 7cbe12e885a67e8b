package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/provider/aurinko"
	"github.com/Martian-dev/mailsync/internal/syncerr"
)

// statusFor maps an error onto an HTTP status. Auth errors here come from the
// provider rejecting a stored token, so they surface as a bad gateway.
func statusFor(err error) int {
	var apiErr *aurinko.APIError
	switch {
	case errors.Is(err, syncerr.ErrAccountNotFound), errors.Is(err, syncerr.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case syncerr.IsAuth(err):
		return http.StatusBadGateway
	case syncerr.IsState(err):
		return http.StatusConflict
	case syncerr.IsData(err):
		return http.StatusUnprocessableEntity
	case syncerr.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if kind := syncerr.KindOf(err); kind != syncerr.KindUnknown {
		body["kind"] = kind.String()
	}
	if status == http.StatusInternalServerError {
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}
