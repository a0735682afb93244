package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/package-audit/pkgaudit/pkg/errclass"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	// Holder names the operation owning the lock on 409.
	Holder string `json:"holder,omitempty"`
}

var statusByCode = map[string]int{
	errclass.ErrNameInvalid.Code:         http.StatusBadRequest,
	errclass.ErrPathEscape.Code:          http.StatusBadRequest,
	errclass.ErrNotFound.Code:            http.StatusNotFound,
	errclass.ErrManagerUnknown.Code:      http.StatusNotFound,
	errclass.ErrManagerUnavailable.Code:  http.StatusNotFound,
	errclass.ErrOperationInProgress.Code: http.StatusConflict,
	errclass.ErrSnapshotCorrupt.Code:     http.StatusUnprocessableEntity,
	errclass.ErrCommandFailed.Code:       http.StatusBadGateway,
	errclass.ErrCommandTimeout.Code:      http.StatusGatewayTimeout,
}

// classify maps err to a status and a body that never carries filesystem
// paths or raw internal errors.
func classify(err error) (int, ErrorResponse) {
	var ce *errclass.Error
	if errors.As(err, &ce) {
		status, ok := statusByCode[ce.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		return status, ErrorResponse{Error: ce.Code, Message: ce.Message, Holder: ce.Holder}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrorResponse{Error: "E_TIMEOUT", Message: "request timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return 499, ErrorResponse{Error: "E_CANCELED", Message: "request canceled"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "E_INTERNAL", Message: "internal error"}
}

// abortWithError writes err as JSON. Server errors are logged with their
// full text, which the client never sees.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorErr("request failed", err, map[string]any{
			"route":      c.FullPath(),
			"request_id": c.GetString(requestIDKey),
		})
	}
	c.AbortWithStatusJSON(status, body)
}
