package transcode

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nghyane/codex-mux/internal/upstream"
)

// Completion is a fully materialized chat-completion response, built from a
// drained stream for clients that did not ask for streaming.
type Completion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usagePayload `json:"usage,omitempty"`
}

type choice struct {
	Index        int     `json:"index"`
	Message      message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Aggregator folds a stream of upstream events into one Completion.
type Aggregator struct {
	model   string
	content strings.Builder
	tools   map[int]*toolBuffer
	order   []int
	usage   *upstream.Usage
	kind    upstream.Kind
}

func NewAggregator(model string) *Aggregator {
	return &Aggregator{model: model, tools: make(map[int]*toolBuffer)}
}

// Add consumes one event. Events after the terminal one are ignored.
func (a *Aggregator) Add(ev upstream.Event) {
	if a.kind == upstream.KindCompleted || a.kind == upstream.KindIncomplete {
		return
	}
	switch ev.Kind {
	case upstream.KindContentDelta:
		a.content.WriteString(ev.Text)
	case upstream.KindToolCallDelta:
		buf, ok := a.tools[ev.ToolIndex]
		if !ok {
			buf = &toolBuffer{id: ev.ToolID, name: ev.ToolName}
			a.tools[ev.ToolIndex] = buf
			a.order = append(a.order, ev.ToolIndex)
		}
		if !buf.done {
			buf.args.WriteString(ev.ArgsDelta)
		}
	case upstream.KindToolCallDone:
		if buf, ok := a.tools[ev.ToolIndex]; ok {
			buf.done = true
		}
	case upstream.KindCompleted, upstream.KindIncomplete:
		a.kind = ev.Kind
		a.usage = ev.Usage
	}
}

// Result builds the final completion once the stream is drained.
func (a *Aggregator) Result() Completion {
	reason := "stop"
	switch {
	case len(a.tools) > 0:
		reason = "tool_calls"
	case a.kind == upstream.KindIncomplete:
		reason = "length"
	}

	msg := message{Role: "assistant", Content: a.content.String()}
	for _, idx := range sortedIndexes(a.order) {
		buf := a.tools[idx]
		msg.ToolCalls = append(msg.ToolCalls, toolCall{
			ID:       buf.id,
			Type:     "function",
			Function: functionCall{Name: buf.name, Arguments: buf.args.String()},
		})
	}

	out := Completion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   a.model,
		Choices: []choice{{Index: 0, Message: msg, FinishReason: reason}},
	}
	if a.usage != nil {
		out.Usage = &usagePayload{
			PromptTokens:     a.usage.PromptTokens,
			CompletionTokens: a.usage.CompletionTokens,
			TotalTokens:      a.usage.TotalTokens,
		}
	}
	return out
}

func sortedIndexes(order []int) []int {
	out := append([]int(nil), order...)
	sort.Ints(out)
	return out
}
