package middleware

import (
	"context"
	"errors"
	"net/http"

	"dms-loyalty/pkg/errutil"
	"dms-loyalty/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached to the context. Errors that are not
// an errutil.BaseError are logged and hidden behind a generic 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		log := logger.FromContext(c.Request.Context())

		var be errutil.BaseError
		if !errors.As(err, &be) {
			switch {
			case errors.Is(err, context.Canceled):
				be = errutil.BaseError{Code: errutil.StatusClientClosedRequest, Message: "request canceled", Err: err}
			case errors.Is(err, context.DeadlineExceeded):
				be = errutil.BaseError{Code: errutil.StatusGatewayTimeout, Message: "request timed out", Err: err}
			default:
				be = errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error", Err: err}
			}
		}

		status := be.Code.HTTPStatus()
		if status >= http.StatusInternalServerError {
			log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		} else {
			log.Debug("request rejected", zap.String("path", c.FullPath()), zap.Error(err))
		}

		c.JSON(status, be.JSON())
	}
}
