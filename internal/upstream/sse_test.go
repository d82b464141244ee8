package upstream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		data      string
		want      string
	}{
		{
			name:      "with event line",
			eventType: "response.output_text.delta",
			data:      `{"delta":"hi"}`,
			want:      "event: response.output_text.delta\ndata: {\"delta\":\"hi\"}\n\n",
		},
		{
			name: "data only",
			data: `{"x":1}`,
			want: "data: {\"x\":1}\n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(FormatEvent(tt.eventType, []byte(tt.data))); got != tt.want {
				t.Fatalf("frame = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSSEReaderSplitsFrames(t *testing.T) {
	input := "event: response.output_text.delta\n" +
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"hel\"}\n" +
		"\n" +
		": keep-alive comment\n" +
		"\n" +
		"event: response.completed\n" +
		"data: {\"type\":\"response.completed\",\"response\":{\"usage\":{\"input_tokens\":3,\"output_tokens\":5}}}\n" +
		"\n"

	reader := NewSSEReader(strings.NewReader(input))

	first, err := reader.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Kind != KindContentDelta || first.Text != "hel" {
		t.Fatalf("first event = %+v", first)
	}

	second, err := reader.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.Kind != KindCompleted {
		t.Fatalf("second event kind = %v", second.Kind)
	}
	if second.Usage == nil || second.Usage.PromptTokens != 3 || second.Usage.TotalTokens != 8 {
		t.Fatalf("usage = %+v", second.Usage)
	}

	if _, err := reader.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		data      string
		check     func(t *testing.T, ev Event)
	}{
		{
			name: "function call added",
			data: `{"type":"response.output_item.added","output_index":2,"item":{"type":"function_call","call_id":"call_1","name":"get_weather","arguments":""}}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != KindToolCallDelta || ev.ToolIndex != 2 || ev.ToolID != "call_1" || ev.ToolName != "get_weather" {
					t.Fatalf("event = %+v", ev)
				}
			},
		},
		{
			name: "arguments delta",
			data: `{"type":"response.function_call_arguments.delta","output_index":1,"delta":"{\"city\""}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != KindToolCallDelta || ev.ToolIndex != 1 || ev.ArgsDelta != `{"city"` {
					t.Fatalf("event = %+v", ev)
				}
			},
		},
		{
			name: "arguments done",
			data: `{"type":"response.function_call_arguments.done","output_index":1}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != KindToolCallDone || ev.ToolIndex != 1 {
					t.Fatalf("event = %+v", ev)
				}
			},
		},
		{
			name: "non-function item added is passthrough",
			data: `{"type":"response.output_item.added","output_index":0,"item":{"type":"message"}}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != KindOther {
					t.Fatalf("event kind = %v, want other", ev.Kind)
				}
			},
		},
		{
			name: "incomplete carries reason and usage",
			data: `{"type":"response.incomplete","response":{"incomplete_details":{"reason":"max_output_tokens"},"usage":{"input_tokens":1,"output_tokens":2,"total_tokens":3}}}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != KindIncomplete || ev.Message != "max_output_tokens" {
					t.Fatalf("event = %+v", ev)
				}
				if ev.Usage == nil || ev.Usage.TotalTokens != 3 {
					t.Fatalf("usage = %+v", ev.Usage)
				}
			},
		},
		{
			name: "failed carries message",
			data: `{"type":"response.failed","response":{"error":{"message":"boom"}}}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != KindFailed || ev.Message != "boom" {
					t.Fatalf("event = %+v", ev)
				}
			},
		},
		{
			name:      "payload type wins over event line",
			eventType: "response.output_text.delta",
			data:      `{"type":"response.completed","response":{}}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != KindCompleted {
					t.Fatalf("event kind = %v, want completed", ev.Kind)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, ParseEvent(tt.eventType, []byte(tt.data)))
		})
	}
}

func TestEventTerminal(t *testing.T) {
	if !(Event{Kind: KindCompleted}).Terminal() {
		t.Fatal("completed not terminal")
	}
	if !(Event{Kind: KindIncomplete}).Terminal() {
		t.Fatal("incomplete not terminal")
	}
	if (Event{Kind: KindContentDelta}).Terminal() {
		t.Fatal("content delta reported terminal")
	}
}
