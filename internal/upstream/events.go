// Package upstream drives connections to the responses upstream and decodes
// its event stream.
package upstream

// Kind tags the closed set of stream event kinds the gateway acts on.
// Events outside this set still flow through passthrough untouched.
type Kind int

const (
	// KindOther is any upstream event the gateway forwards but does not
	// interpret (response.created, response.in_progress, ...).
	KindOther Kind = iota
	KindContentDelta
	KindToolCallDelta
	KindToolCallDone
	KindCompleted
	KindIncomplete
	KindFailed
)

// Usage is the token usage reported by a terminal event.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Event is one decoded upstream stream event. Type and Data preserve the
// upstream identity for passthrough; the remaining fields are the decoded
// view used by the transcoder.
type Event struct {
	Kind Kind
	Type string
	Data []byte

	// KindContentDelta
	Text string

	// KindToolCallDelta / KindToolCallDone. Tool-call deltas for the same
	// logical call share ToolIndex for the duration of one stream.
	ToolIndex int
	ToolID    string
	ToolName  string
	ArgsDelta string

	// Terminal events
	Usage   *Usage
	Message string
}

// Terminal reports whether no further content is valid after this event.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindCompleted, KindIncomplete, KindFailed:
		return true
	}
	return false
}
