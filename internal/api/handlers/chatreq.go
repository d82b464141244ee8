package handlers

import (
	"fmt"
	"strings"

	"github.com/nghyane/codex-mux/internal/json"
)

// ChatOptions carries the client-facing knobs stripped from a
// chat-completions request before it is forwarded upstream.
type ChatOptions struct {
	Model        string
	Stream       bool
	IncludeUsage bool
	SessionKey   string
}

// CoerceChatRequest rewrites a chat-completions request body into the
// upstream responses shape: messages become instructions plus input items,
// tools and tool_choice are flattened, and response_format moves under
// text.format.
func CoerceChatRequest(body []byte) ([]byte, ChatOptions, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, ChatOptions{}, fmt.Errorf("malformed request body: %w", err)
	}

	model, _ := req["model"].(string)
	if model == "" {
		return nil, ChatOptions{}, fmt.Errorf("'model' is required")
	}

	rawMessages, ok := req["messages"].([]any)
	if !ok || len(rawMessages) == 0 {
		return nil, ChatOptions{}, fmt.Errorf("'messages' must be a non-empty list")
	}

	opts := ChatOptions{Model: model}
	if stream, ok := req["stream"].(bool); ok {
		opts.Stream = stream
	}
	if so, ok := req["stream_options"].(map[string]any); ok {
		if include, ok := so["include_usage"].(bool); ok {
			opts.IncludeUsage = include
		}
	}
	if key, ok := req["prompt_cache_key"].(string); ok {
		opts.SessionKey = key
	}

	instructions, input, err := coerceMessages(rawMessages)
	if err != nil {
		return nil, ChatOptions{}, err
	}

	out := map[string]any{
		"model":  model,
		"input":  input,
		"stream": true,
	}
	if instructions != "" {
		out["instructions"] = instructions
	}

	for _, key := range []string{"temperature", "top_p", "parallel_tool_calls", "prompt_cache_key", "reasoning", "text"} {
		if v, ok := req[key]; ok && v != nil {
			out[key] = v
		}
	}
	if so, ok := req["stream_options"].(map[string]any); ok {
		// include_usage is a client-side concern; only obfuscation control
		// is meaningful upstream.
		if obfuscation, has := so["include_obfuscation"]; has && obfuscation != nil {
			out["stream_options"] = map[string]any{"include_obfuscation": obfuscation}
		}
	}
	if effort, ok := req["reasoning_effort"]; ok && effort != nil {
		if _, has := out["reasoning"]; !has {
			out["reasoning"] = map[string]any{"effort": effort}
		}
	}

	if tools, ok := req["tools"].([]any); ok {
		out["tools"] = normalizeTools(tools)
	}
	if choice, ok := req["tool_choice"]; ok && choice != nil {
		out["tool_choice"] = normalizeToolChoice(choice)
	}
	if format, ok := req["response_format"]; ok && format != nil {
		text, err := responseFormatToText(req["text"], format)
		if err != nil {
			return nil, ChatOptions{}, err
		}
		out["text"] = text
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, ChatOptions{}, err
	}
	return payload, opts, nil
}

// coerceMessages splits the chat transcript into system instructions and
// upstream input items. System and developer messages must be text-only;
// their texts concatenate into one instructions string.
func coerceMessages(messages []any) (string, []any, error) {
	var instructions []string
	input := make([]any, 0, len(messages))

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			return "", nil, fmt.Errorf("'messages' must contain objects")
		}
		role, _ := msg["role"].(string)

		switch role {
		case "system", "developer":
			text, err := textOnlyContent(msg["content"], role)
			if err != nil {
				return "", nil, err
			}
			if text != "" {
				instructions = append(instructions, text)
			}

		case "user":
			content, err := userContentParts(msg["content"])
			if err != nil {
				return "", nil, err
			}
			input = append(input, map[string]any{
				"type":    "message",
				"role":    "user",
				"content": content,
			})

		case "assistant":
			if text, _ := msg["content"].(string); text != "" {
				input = append(input, map[string]any{
					"type":    "message",
					"role":    "assistant",
					"content": []any{map[string]any{"type": "output_text", "text": text}},
				})
			}
			if calls, ok := msg["tool_calls"].([]any); ok {
				for _, rawCall := range calls {
					call, ok := rawCall.(map[string]any)
					if !ok {
						continue
					}
					fn, _ := call["function"].(map[string]any)
					if fn == nil {
						continue
					}
					input = append(input, map[string]any{
						"type":      "function_call",
						"call_id":   call["id"],
						"name":      fn["name"],
						"arguments": fn["arguments"],
					})
				}
			}

		case "tool":
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": msg["tool_call_id"],
				"output":  msg["content"],
			})

		default:
			return "", nil, fmt.Errorf("unsupported message role: %q", role)
		}
	}

	return strings.Join(instructions, "\n\n"), input, nil
}

func textOnlyContent(content any, role string) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []any:
		var parts []string
		for _, raw := range v {
			part, ok := raw.(map[string]any)
			if !ok {
				if s, ok := raw.(string); ok {
					parts = append(parts, s)
					continue
				}
				return "", fmt.Errorf("%s messages must be text-only", role)
			}
			if t, ok := part["type"].(string); ok && t != "text" {
				return "", fmt.Errorf("%s messages must be text-only", role)
			}
			text, ok := part["text"].(string)
			if !ok {
				return "", fmt.Errorf("%s messages must be text-only", role)
			}
			parts = append(parts, text)
		}
		return strings.Join(parts, "\n"), nil
	default:
		return "", fmt.Errorf("%s messages must be text-only", role)
	}
}

func userContentParts(content any) ([]any, error) {
	switch v := content.(type) {
	case nil:
		return []any{}, nil
	case string:
		return []any{map[string]any{"type": "input_text", "text": v}}, nil
	case []any:
		out := make([]any, 0, len(v))
		for _, raw := range v {
			if s, ok := raw.(string); ok {
				out = append(out, map[string]any{"type": "input_text", "text": s})
				continue
			}
			part, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("user message content parts must be objects")
			}
			converted, err := userContentPart(part)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	case map[string]any:
		converted, err := userContentPart(v)
		if err != nil {
			return nil, err
		}
		return []any{converted}, nil
	default:
		return nil, fmt.Errorf("unsupported user message content")
	}
}

func userContentPart(part map[string]any) (any, error) {
	partType, _ := part["type"].(string)
	if partType == "" {
		if _, has := part["text"]; has {
			partType = "text"
		}
	}
	switch partType {
	case "text":
		text, ok := part["text"].(string)
		if !ok {
			return nil, fmt.Errorf("text content parts must include a string 'text'")
		}
		return map[string]any{"type": "input_text", "text": text}, nil
	case "image_url":
		imageURL, ok := part["image_url"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("image content parts must include image_url.url")
		}
		url, ok := imageURL["url"].(string)
		if !ok {
			return nil, fmt.Errorf("image content parts must include image_url.url")
		}
		return map[string]any{"type": "input_image", "image_url": url}, nil
	default:
		return nil, fmt.Errorf("unsupported user content part type: %q", partType)
	}
}

// normalizeTools flattens chat-style {type, function:{name,...}} tool
// declarations into the upstream's top-level shape. Entries without a name
// are dropped.
func normalizeTools(tools []any) []any {
	normalized := make([]any, 0, len(tools))
	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if fn, ok := tool["function"].(map[string]any); ok {
			name, _ := fn["name"].(string)
			if name == "" {
				continue
			}
			toolType := tool["type"]
			if toolType == nil {
				toolType = "function"
			}
			normalized = append(normalized, map[string]any{
				"type":        toolType,
				"name":        name,
				"description": fn["description"],
				"parameters":  fn["parameters"],
			})
			continue
		}
		if name, ok := tool["name"].(string); ok && name != "" {
			normalized = append(normalized, tool)
		}
	}
	return normalized
}

func normalizeToolChoice(choice any) any {
	obj, ok := choice.(map[string]any)
	if !ok {
		return choice
	}
	fn, ok := obj["function"].(map[string]any)
	if !ok {
		return choice
	}
	name, ok := fn["name"].(string)
	if !ok || name == "" {
		return choice
	}
	choiceType := obj["type"]
	if choiceType == nil {
		choiceType = "function"
	}
	return map[string]any{"type": choiceType, "name": name}
}

// responseFormatToText maps response_format onto text.format. Setting both
// response_format and text.format is rejected.
func responseFormatToText(existing, format any) (map[string]any, error) {
	text := map[string]any{}
	if existingMap, ok := existing.(map[string]any); ok {
		for k, v := range existingMap {
			text[k] = v
		}
	}
	if _, has := text["format"]; has {
		return nil, fmt.Errorf("provide either 'response_format' or 'text.format', not both")
	}

	switch v := format.(type) {
	case string:
		switch v {
		case "text", "json_object":
			text["format"] = map[string]any{"type": v}
		case "json_schema":
			return nil, fmt.Errorf("'response_format' must include 'json_schema' when type is 'json_schema'")
		default:
			return nil, fmt.Errorf("unsupported response_format.type: %q", v)
		}
	case map[string]any:
		formatType, _ := v["type"].(string)
		switch formatType {
		case "text", "json_object":
			text["format"] = map[string]any{"type": formatType}
		case "json_schema":
			schema, ok := v["json_schema"].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("'response_format.json_schema' is required when type is 'json_schema'")
			}
			out := map[string]any{"type": "json_schema"}
			for _, key := range []string{"name", "schema", "strict"} {
				if val, has := schema[key]; has && val != nil {
					out[key] = val
				}
			}
			text["format"] = out
		default:
			return nil, fmt.Errorf("unsupported response_format.type: %q", formatType)
		}
	default:
		return nil, fmt.Errorf("'response_format' must be a string or object")
	}
	return text, nil
}
