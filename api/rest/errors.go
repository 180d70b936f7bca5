package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mk12/mira/account"
	"github.com/mk12/mira/canvas"
	"github.com/mk12/mira/lock"
	mw "github.com/mk12/mira/middleware"
	"github.com/mk12/mira/social"
	"go.uber.org/zap"
)

// errorStatus maps domain errors to HTTP status codes. The first match wins,
// so more specific errors come before the ones they wrap.
var errorStatus = []struct {
	err    error
	status int
}{
	{account.ErrInvalidCredentials, http.StatusUnauthorized},
	{account.ErrBanned, http.StatusForbidden},
	{account.ErrUsernameTaken, http.StatusConflict},
	{account.ErrInvalidUsername, http.StatusBadRequest},
	{account.ErrPasswordTooShort, http.StatusBadRequest},
	{social.ErrSelfReference, http.StatusBadRequest},
	{social.ErrLimitExceeded, http.StatusConflict},
	{social.ErrConstraintViolation, http.StatusBadRequest},
	{social.ErrNotFound, http.StatusNotFound},
	{social.ErrNotFriends, http.StatusForbidden},
	{canvas.ErrNotFound, http.StatusNotFound},
	{canvas.ErrInvalidImage, http.StatusBadRequest},
	{canvas.ErrDimensionMismatch, http.StatusUnprocessableEntity},
	{lock.ErrBusy, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, http.StatusServiceUnavailable},
}

// StatusFor returns the HTTP status for err, or 500 if it is not a known
// domain error.
func StatusFor(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// abortWithError writes err as a JSON error body. Unknown errors are logged
// and reported as "internal error" so driver details do not leak.
func abortWithError(c *gin.Context, logger *zap.Logger, err error) {
	_ = c.Error(err)
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.Int64("account_id", mw.GetAccountID(c)),
			zap.Error(err))
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// badRequest reports a request body or parameter that failed binding.
func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
