package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/codex-mux/internal/proxy"
)

// ErrorEnvelope is the client-facing error shape on every non-2xx response
// and on mid-stream error frames.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine-readable code plus a human message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stable client error codes.
const (
	CodeInvalidRequest      = "invalid_request_error"
	CodeNoAccounts          = "no_accounts"
	CodeStreamIncomplete    = "stream_incomplete"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeServerError         = "server_error"
)

func newEnvelope(errType, code, message string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorDetail{Type: errType, Code: code, Message: message}}
}

// failureResponse maps a terminal proxy failure to an HTTP status and error
// body. Account identity never leaks into the message.
func failureResponse(failure *proxy.Failure) (int, ErrorEnvelope) {
	message := "upstream request failed"
	if failure.Err != nil {
		message = failure.Err.Error()
	}

	switch failure.Kind {
	case proxy.KindInvalidRequest:
		return http.StatusBadRequest, newEnvelope(CodeInvalidRequest, CodeInvalidRequest, message)
	case proxy.KindNoAccounts:
		return http.StatusServiceUnavailable, newEnvelope(CodeServerError, CodeNoAccounts, "no accounts available")
	case proxy.KindRateLimited:
		return http.StatusTooManyRequests, newEnvelope(CodeRateLimitExceeded, CodeRateLimitExceeded, "all accounts are rate limited")
	case proxy.KindStreamIncomplete:
		return http.StatusBadGateway, newEnvelope(CodeServerError, CodeStreamIncomplete, "upstream stream ended early")
	default:
		return http.StatusBadGateway, newEnvelope(CodeServerError, CodeUpstreamUnavailable, "upstream unavailable")
	}
}

func respondFailure(c *gin.Context, failure *proxy.Failure) {
	status, envelope := failureResponse(failure)
	c.JSON(status, envelope)
}

func respondInvalid(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, newEnvelope(CodeInvalidRequest, CodeInvalidRequest, message))
}
