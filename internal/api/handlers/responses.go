// Package handlers implements the client-facing proxy endpoints.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nghyane/codex-mux/internal/json"
	log "github.com/nghyane/codex-mux/internal/logging"
	"github.com/nghyane/codex-mux/internal/proxy"
	"github.com/nghyane/codex-mux/internal/upstream"
)

// Handler serves the proxy endpoints.
type Handler struct {
	proxy *proxy.Proxy
}

func New(p *proxy.Proxy) *Handler {
	return &Handler{proxy: p}
}

// Responses streams POST /v1/responses through to the upstream unmodified,
// re-emitting upstream events as they arrive.
func (h *Handler) Responses(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		respondInvalid(c, "failed to read request body")
		return
	}
	if !json.Valid(body) {
		respondInvalid(c, "malformed request body")
		return
	}
	if gjson.GetBytes(body, "model").String() == "" {
		respondInvalid(c, "'model' is required")
		return
	}

	// The upstream is stream-only; clients that asked for a buffered
	// response still ride an SSE stream internally.
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		respondInvalid(c, "malformed request body")
		return
	}

	run := h.proxy.Stream(c.Request.Context(), proxy.Request{
		Payload:    body,
		SessionKey: sessionKey(c, body),
	})

	wrote := false
	for ev := range run.Events {
		if !wrote {
			writeSSEHeaders(c)
			wrote = true
		}
		if _, err := c.Writer.Write(upstream.FormatEvent(ev.Type, ev.Data)); err != nil {
			log.WithError(err).Debug("client went away mid-stream")
			return
		}
		c.Writer.Flush()
	}

	outcome := run.Outcome()
	if outcome.Failure == nil {
		return
	}
	if !wrote {
		respondFailure(c, outcome.Failure)
		return
	}
	writeStreamError(c, outcome.Failure)
}

// sessionKey extracts the affinity key: the request's prompt_cache_key when
// present, otherwise the session_id header. Empty means unpinned.
func sessionKey(c *gin.Context, body []byte) string {
	if key := gjson.GetBytes(body, "prompt_cache_key").String(); key != "" {
		return key
	}
	return c.GetHeader("session_id")
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeaderNow()
}

// writeStreamError appends an error frame to an already-started stream.
// The status line is long gone, so the frame is all the client gets.
func writeStreamError(c *gin.Context, failure *proxy.Failure) {
	_, envelope := failureResponse(failure)
	raw, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if _, err := c.Writer.Write(upstream.FormatEvent("error", raw)); err != nil {
		return
	}
	c.Writer.Flush()
}
