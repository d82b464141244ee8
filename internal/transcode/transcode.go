// Package transcode rewrites upstream response streams into the
// chat-completions chunk format, tracking parallel tool calls by index so
// interleaved argument deltas never bleed across calls.
package transcode

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/nghyane/codex-mux/internal/json"
	log "github.com/nghyane/codex-mux/internal/logging"
	"github.com/nghyane/codex-mux/internal/upstream"
)

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function functionDelta `json:"function"`
}

type functionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type usagePayload struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// toolBuffer accumulates one tool call. A buffer is finalized only by an
// explicit done event or by stream termination, never by the arrival of a
// delta for a different index.
type toolBuffer struct {
	id   string
	name string
	args strings.Builder
	done bool
}

// Transcoder converts one upstream stream into chat-completions chunks.
// It is single-stream and not safe for concurrent use.
type Transcoder struct {
	id           string
	model        string
	created      int64
	includeUsage bool

	tools    map[int]*toolBuffer
	order    []int
	sentRole bool
	terminal bool
	dropped  int
}

// New builds a transcoder for one stream. When includeUsage is set every
// content chunk carries an explicit "usage":null and a final usage-only
// chunk is appended before the done marker.
func New(model string, includeUsage bool) *Transcoder {
	return &Transcoder{
		id:           "chatcmpl-" + uuid.NewString(),
		model:        model,
		created:      time.Now().Unix(),
		includeUsage: includeUsage,
		tools:        make(map[int]*toolBuffer),
	}
}

// Transform maps one upstream event to zero or more wire-ready SSE frames.
// Events arriving after the terminal event are dropped and counted.
func (t *Transcoder) Transform(ev upstream.Event) [][]byte {
	if t.terminal {
		t.dropped++
		log.Warnf("dropping post-terminal event %s (%d dropped so far)", ev.Type, t.dropped)
		return nil
	}

	switch ev.Kind {
	case upstream.KindContentDelta:
		if ev.Text == "" {
			return nil
		}
		return t.frames(t.contentChunk(ev.Text))

	case upstream.KindToolCallDelta:
		return t.toolDelta(ev)

	case upstream.KindToolCallDone:
		if buf, ok := t.tools[ev.ToolIndex]; ok {
			buf.done = true
		}
		return nil

	case upstream.KindCompleted, upstream.KindIncomplete:
		return t.finish(ev)

	case upstream.KindFailed:
		t.terminal = true
		return nil

	default:
		return nil
	}
}

func (t *Transcoder) toolDelta(ev upstream.Event) [][]byte {
	buf, ok := t.tools[ev.ToolIndex]
	if !ok {
		buf = &toolBuffer{id: ev.ToolID, name: ev.ToolName}
		t.tools[ev.ToolIndex] = buf
		t.order = append(t.order, ev.ToolIndex)
		head := t.chunk(chunkDelta{ToolCalls: []toolCallDelta{{
			Index:    ev.ToolIndex,
			ID:       ev.ToolID,
			Type:     "function",
			Function: functionDelta{Name: ev.ToolName},
		}}}, nil)
		if ev.ArgsDelta == "" {
			return t.frames(head)
		}
		buf.args.WriteString(ev.ArgsDelta)
		return t.frames(head, t.chunk(chunkDelta{ToolCalls: []toolCallDelta{{
			Index:    ev.ToolIndex,
			Function: functionDelta{Arguments: ev.ArgsDelta},
		}}}, nil))
	}
	if buf.done {
		log.Warnf("argument delta for finalized tool call %d dropped", ev.ToolIndex)
		return nil
	}
	if ev.ArgsDelta == "" {
		return nil
	}
	buf.args.WriteString(ev.ArgsDelta)
	return t.frames(t.chunk(chunkDelta{ToolCalls: []toolCallDelta{{
		Index:    ev.ToolIndex,
		Function: functionDelta{Arguments: ev.ArgsDelta},
	}}}, nil))
}

func (t *Transcoder) finish(ev upstream.Event) [][]byte {
	t.terminal = true
	for _, buf := range t.tools {
		buf.done = true
	}

	reason := "stop"
	switch {
	case len(t.tools) > 0:
		reason = "tool_calls"
	case ev.Kind == upstream.KindIncomplete:
		reason = "length"
	}
	out := [][]byte{t.frame(t.chunk(chunkDelta{}, &reason))}

	if t.includeUsage {
		usage := usagePayload{}
		if ev.Usage != nil {
			usage.PromptTokens = ev.Usage.PromptTokens
			usage.CompletionTokens = ev.Usage.CompletionTokens
			usage.TotalTokens = ev.Usage.TotalTokens
		}
		raw, err := json.Marshal(chunk{
			ID:      t.id,
			Object:  "chat.completion.chunk",
			Created: t.created,
			Model:   t.model,
			Choices: []chunkChoice{},
		})
		if err == nil {
			usageRaw, _ := json.Marshal(usage)
			raw, err = sjson.SetRawBytes(raw, "usage", usageRaw)
		}
		if err != nil {
			log.WithError(err).Error("encoding usage chunk")
		} else {
			out = append(out, upstream.FormatEvent("", raw))
		}
	}

	out = append(out, []byte("data: [DONE]\n\n"))
	return out
}

func (t *Transcoder) contentChunk(text string) chunk {
	delta := chunkDelta{Content: text}
	if !t.sentRole {
		delta.Role = "assistant"
		t.sentRole = true
	}
	return t.chunk(delta, nil)
}

func (t *Transcoder) chunk(delta chunkDelta, finish *string) chunk {
	return chunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (t *Transcoder) frames(chunks ...chunk) [][]byte {
	out := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, t.frame(c))
	}
	return out
}

func (t *Transcoder) frame(c chunk) []byte {
	raw, err := json.Marshal(c)
	if err != nil {
		log.WithError(err).Error("encoding chunk")
		return nil
	}
	if t.includeUsage {
		raw, err = sjson.SetRawBytes(raw, "usage", []byte("null"))
		if err != nil {
			log.WithError(err).Error("marking usage on chunk")
		}
	}
	return upstream.FormatEvent("", raw)
}

// Dropped reports how many post-terminal events were discarded.
func (t *Transcoder) Dropped() int { return t.dropped }
