package handlers

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestCoerceChatRequestBasic(t *testing.T) {
	body := `{
		"model": "gpt-test",
		"stream": true,
		"stream_options": {"include_usage": true},
		"prompt_cache_key": "sess-1",
		"temperature": 0.2,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "developer", "content": "answer in english"},
			{"role": "user", "content": "hi"}
		]
	}`

	payload, opts, err := CoerceChatRequest([]byte(body))
	if err != nil {
		t.Fatalf("CoerceChatRequest: %v", err)
	}
	if !opts.Stream || !opts.IncludeUsage || opts.SessionKey != "sess-1" || opts.Model != "gpt-test" {
		t.Fatalf("opts = %+v", opts)
	}

	parsed := gjson.ParseBytes(payload)
	if got := parsed.Get("instructions").String(); got != "be brief\n\nanswer in english" {
		t.Fatalf("instructions = %q", got)
	}
	if !parsed.Get("stream").Bool() {
		t.Fatal("upstream payload must force stream")
	}
	if got := parsed.Get("temperature").Float(); got != 0.2 {
		t.Fatalf("temperature = %v", got)
	}
	if parsed.Get("messages").Exists() {
		t.Fatal("messages leaked into upstream payload")
	}
	item := parsed.Get("input.0")
	if item.Get("role").String() != "user" ||
		item.Get("content.0.type").String() != "input_text" ||
		item.Get("content.0.text").String() != "hi" {
		t.Fatalf("input item = %s", item.Raw)
	}
}

func TestCoerceChatRequestToolTranscript(t *testing.T) {
	body := `{
		"model": "gpt-test",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "{\"temp\":4}"}
		],
		"tools": [
			{"type": "function", "function": {"name": "get_weather", "description": "d", "parameters": {"type": "object"}}},
			{"function": {"name": ""}},
			{"name": "already_flat", "type": "function"}
		],
		"tool_choice": {"type": "function", "function": {"name": "get_weather"}}
	}`

	payload, _, err := CoerceChatRequest([]byte(body))
	if err != nil {
		t.Fatalf("CoerceChatRequest: %v", err)
	}
	parsed := gjson.ParseBytes(payload)

	call := parsed.Get("input.1")
	if call.Get("type").String() != "function_call" ||
		call.Get("call_id").String() != "call_1" ||
		call.Get("name").String() != "get_weather" {
		t.Fatalf("function_call item = %s", call.Raw)
	}
	output := parsed.Get("input.2")
	if output.Get("type").String() != "function_call_output" ||
		output.Get("call_id").String() != "call_1" {
		t.Fatalf("function_call_output item = %s", output.Raw)
	}

	tools := parsed.Get("tools")
	if tools.Get("#").Int() != 2 {
		t.Fatalf("tools = %s", tools.Raw)
	}
	if tools.Get("0.name").String() != "get_weather" || tools.Get("0.function").Exists() {
		t.Fatalf("normalized tool = %s", tools.Get("0").Raw)
	}
	if parsed.Get("tool_choice.name").String() != "get_weather" {
		t.Fatalf("tool_choice = %s", parsed.Get("tool_choice").Raw)
	}
}

func TestCoerceChatRequestResponseFormat(t *testing.T) {
	body := `{
		"model": "gpt-test",
		"messages": [{"role": "user", "content": "hi"}],
		"response_format": {"type": "json_schema", "json_schema": {"name": "out", "strict": true, "schema": {"type": "object"}}}
	}`

	payload, _, err := CoerceChatRequest([]byte(body))
	if err != nil {
		t.Fatalf("CoerceChatRequest: %v", err)
	}
	parsed := gjson.ParseBytes(payload)
	format := parsed.Get("text.format")
	if format.Get("type").String() != "json_schema" ||
		format.Get("name").String() != "out" ||
		!format.Get("strict").Bool() {
		t.Fatalf("text.format = %s", format.Raw)
	}
	if parsed.Get("response_format").Exists() {
		t.Fatal("response_format leaked into upstream payload")
	}
}

func TestCoerceChatRequestRejects(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing model",
			body:    `{"messages": [{"role": "user", "content": "hi"}]}`,
			wantErr: "'model' is required",
		},
		{
			name:    "empty messages",
			body:    `{"model": "m", "messages": []}`,
			wantErr: "'messages' must be a non-empty list",
		},
		{
			name:    "malformed json",
			body:    `{"model": `,
			wantErr: "malformed request body",
		},
		{
			name:    "system message with image",
			body:    `{"model": "m", "messages": [{"role": "system", "content": [{"type": "image_url", "image_url": {"url": "http://x"}}]}]}`,
			wantErr: "system messages must be text-only",
		},
		{
			name:    "unknown role",
			body:    `{"model": "m", "messages": [{"role": "robot", "content": "hi"}]}`,
			wantErr: "unsupported message role",
		},
		{
			name:    "both response_format and text.format",
			body:    `{"model": "m", "messages": [{"role": "user", "content": "hi"}], "response_format": "json_object", "text": {"format": {"type": "text"}}}`,
			wantErr: "not both",
		},
		{
			name:    "json_schema without schema",
			body:    `{"model": "m", "messages": [{"role": "user", "content": "hi"}], "response_format": "json_schema"}`,
			wantErr: "'json_schema'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := CoerceChatRequest([]byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCoerceChatRequestUserImageParts(t *testing.T) {
	body := `{
		"model": "gpt-test",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "what is this"},
			{"type": "image_url", "image_url": {"url": "https://example.com/x.png"}}
		]}]
	}`

	payload, _, err := CoerceChatRequest([]byte(body))
	if err != nil {
		t.Fatalf("CoerceChatRequest: %v", err)
	}
	content := gjson.ParseBytes(payload).Get("input.0.content")
	if content.Get("0.type").String() != "input_text" {
		t.Fatalf("first part = %s", content.Get("0").Raw)
	}
	if content.Get("1.type").String() != "input_image" ||
		content.Get("1.image_url").String() != "https://example.com/x.png" {
		t.Fatalf("second part = %s", content.Get("1").Raw)
	}
}
