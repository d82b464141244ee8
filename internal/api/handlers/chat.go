package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/codex-mux/internal/json"
	log "github.com/nghyane/codex-mux/internal/logging"
	"github.com/nghyane/codex-mux/internal/proxy"
	"github.com/nghyane/codex-mux/internal/transcode"
)

// ChatCompletions serves POST /v1/chat/completions by coercing the request
// into the upstream responses shape and transcoding the stream back.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		respondInvalid(c, "failed to read request body")
		return
	}

	payload, opts, err := CoerceChatRequest(body)
	if err != nil {
		respondInvalid(c, err.Error())
		return
	}
	if opts.SessionKey == "" {
		opts.SessionKey = c.GetHeader("session_id")
	}

	run := h.proxy.Stream(c.Request.Context(), proxy.Request{
		Payload:    payload,
		SessionKey: opts.SessionKey,
	})

	if opts.Stream {
		h.streamChat(c, run, opts)
		return
	}
	h.aggregateChat(c, run, opts)
}

func (h *Handler) streamChat(c *gin.Context, run *proxy.Run, opts ChatOptions) {
	coder := transcode.New(opts.Model, opts.IncludeUsage)

	wrote := false
	for ev := range run.Events {
		frames := coder.Transform(ev)
		if len(frames) == 0 {
			continue
		}
		if !wrote {
			writeSSEHeaders(c)
			wrote = true
		}
		for _, frame := range frames {
			if _, err := c.Writer.Write(frame); err != nil {
				log.WithError(err).Debug("client went away mid-stream")
				return
			}
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

	// Chat streams carry no event types, so the error rides a data frame.
	_, envelope := failureResponse(outcome.Failure)
	if raw, err := json.Marshal(envelope); err == nil {
		if _, err := c.Writer.WriteString("data: " + string(raw) + "\n\n"); err == nil {
			c.Writer.Flush()
		}
	}
}

func (h *Handler) aggregateChat(c *gin.Context, run *proxy.Run, opts ChatOptions) {
	agg := transcode.NewAggregator(opts.Model)
	for ev := range run.Events {
		agg.Add(ev)
	}

	outcome := run.Outcome()
	if outcome.Failure != nil {
		respondFailure(c, outcome.Failure)
		return
	}
	c.JSON(http.StatusOK, agg.Result())
}
