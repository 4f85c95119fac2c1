package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/confio/sponsor-gateway/internal/apperr"
)

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidIntent:
		return http.StatusBadRequest
	case apperr.Duplicate, apperr.IllegalTransition:
		return http.StatusConflict
	case apperr.ClientTampered, apperr.ContractRejected:
		return http.StatusUnprocessableEntity
	case apperr.SponsorUnavailable, apperr.SponsorAccountDrift, apperr.RpcUnavailable, apperr.KmsUnavailable:
		return http.StatusServiceUnavailable
	case apperr.Expired:
		return http.StatusGone
	case apperr.ConfirmationTimeout:
		return http.StatusGatewayTimeout
	case apperr.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// abort writes err as {"error", "kind", "retryable", "logs"}. Internal
// failures are reported without detail.
func abort(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)
	msg := err.Error()
	var logs []string
	if e, ok := apperr.As(err); ok {
		msg, logs = e.Reason, e.Logs
	}
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	body := gin.H{"error": msg, "kind": kind, "retryable": kind.Retryable()}
	if len(logs) > 0 {
		body["logs"] = logs
	}
	c.AbortWithStatusJSON(status, body)
}
