package upstream

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// FormatEvent renders an SSE frame. The event line is included only when the
// payload carries a type, matching the upstream's own framing.
func FormatEvent(eventType string, data []byte) []byte {
	var buf bytes.Buffer
	if eventType != "" {
		buf.WriteString("event: ")
		buf.WriteString(eventType)
		buf.WriteString("\n")
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// SSEReader decodes server-sent events from an upstream response body.
type SSEReader struct {
	scanner   *bufio.Scanner
	eventType string
	data      bytes.Buffer
}

// maxSSELineSize bounds a single SSE line; large tool outputs arrive as
// deltas, so a single line past this is a protocol problem, not real data.
const maxSSELineSize = 10 * 1024 * 1024

// NewSSEReader wraps r for event decoding.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)
	return &SSEReader{scanner: scanner}
}

// Next returns the next decoded event, io.EOF at end of stream.
func (r *SSEReader) Next() (Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if r.data.Len() == 0 {
				r.eventType = ""
				continue
			}
			ev := ParseEvent(r.eventType, append([]byte(nil), r.data.Bytes()...))
			r.eventType = ""
			r.data.Reset()
			return ev, nil
		case strings.HasPrefix(line, "event:"):
			r.eventType = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if r.data.Len() > 0 {
				r.data.WriteByte('\n')
			}
			r.data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// Comment lines (":") and unknown fields are ignored.
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// ParseEvent decodes one upstream payload into an Event. The payload's own
// "type" field wins over the SSE event line when both are present.
func ParseEvent(eventType string, data []byte) Event {
	parsed := gjson.ParseBytes(data)
	if t := parsed.Get("type").String(); t != "" {
		eventType = t
	}
	ev := Event{Kind: KindOther, Type: eventType, Data: data}

	switch eventType {
	case "response.output_text.delta":
		ev.Kind = KindContentDelta
		ev.Text = parsed.Get("delta").String()

	case "response.output_item.added":
		item := parsed.Get("item")
		if item.Get("type").String() == "function_call" {
			ev.Kind = KindToolCallDelta
			ev.ToolIndex = int(parsed.Get("output_index").Int())
			ev.ToolID = item.Get("call_id").String()
			if ev.ToolID == "" {
				ev.ToolID = item.Get("id").String()
			}
			ev.ToolName = item.Get("name").String()
			ev.ArgsDelta = item.Get("arguments").String()
		}

	case "response.function_call_arguments.delta":
		ev.Kind = KindToolCallDelta
		ev.ToolIndex = int(parsed.Get("output_index").Int())
		ev.ArgsDelta = parsed.Get("delta").String()

	case "response.function_call_arguments.done":
		ev.Kind = KindToolCallDone
		ev.ToolIndex = int(parsed.Get("output_index").Int())

	case "response.output_item.done":
		if parsed.Get("item.type").String() == "function_call" {
			ev.Kind = KindToolCallDone
			ev.ToolIndex = int(parsed.Get("output_index").Int())
		}

	case "response.completed":
		ev.Kind = KindCompleted
		ev.Usage = parseUsage(parsed.Get("response.usage"))

	case "response.incomplete":
		ev.Kind = KindIncomplete
		ev.Usage = parseUsage(parsed.Get("response.usage"))
		ev.Message = parsed.Get("response.incomplete_details.reason").String()

	case "response.failed", "error":
		ev.Kind = KindFailed
		ev.Message = parsed.Get("response.error.message").String()
		if ev.Message == "" {
			ev.Message = parsed.Get("message").String()
		}
	}
	return ev
}

func parseUsage(usage gjson.Result) *Usage {
	if !usage.Exists() {
		return nil
	}
	u := &Usage{
		PromptTokens:     usage.Get("input_tokens").Int(),
		CompletionTokens: usage.Get("output_tokens").Int(),
		TotalTokens:      usage.Get("total_tokens").Int(),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
