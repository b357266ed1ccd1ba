package agent

import "encoding/json"

// Event types emitted by the converse socket.
const (
	EventConversationText    = "ConversationText"
	EventFunctionCallRequest = "FunctionCallRequest"
	EventError               = "Error"
	EventHistory             = "History"
	EventWelcome             = "Welcome"
	EventSettingsApplied     = "SettingsApplied"
)

// Event is one frame read from the agent socket: either a typed JSON
// message or a binary audio frame.
type Event struct {
	Type  string
	Raw   json.RawMessage
	Audio []byte
}

// IsAudio reports whether the event is a binary audio frame.
func (e Event) IsAudio() bool { return e.Audio != nil }

// decodeEvent maps a text frame to an Event. Unparseable text keeps an
// empty type so the caller can count it as a protocol violation.
func decodeEvent(data []byte) Event {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{Raw: data}
	}
	return Event{Type: head.Type, Raw: data}
}

// ConversationText is a finalized utterance from either side of the
// conversation.
type ConversationText struct {
	Role    string
	Content string
}

func (e Event) AsConversationText() ConversationText {
	var msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Text    string `json:"text"`
	}
	_ = json.Unmarshal(e.Raw, &msg)
	content := msg.Content
	if content == "" {
		content = msg.Text
	}
	return ConversationText{Role: msg.Role, Content: content}
}

// FunctionCall is one function invocation requested by the agent.
type FunctionCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// AsFunctionCalls extracts the calls from a FunctionCallRequest. The
// wire format has shipped both a "functions" array and flat
// function_call_id/function_name/input fields, so both are accepted.
func (e Event) AsFunctionCalls() []FunctionCall {
	var msg struct {
		Functions []struct {
			Name      string          `json:"name"`
			CallID    string          `json:"call_id"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"functions"`
		FunctionCallID string         `json:"function_call_id"`
		ID             string         `json:"id"`
		FunctionName   string         `json:"function_name"`
		Name           string         `json:"name"`
		Input          map[string]any `json:"input"`
	}
	if err := json.Unmarshal(e.Raw, &msg); err != nil {
		return nil
	}

	if len(msg.Functions) > 0 {
		calls := make([]FunctionCall, 0, len(msg.Functions))
		for _, fn := range msg.Functions {
			call := FunctionCall{ID: fn.CallID, Name: fn.Name}
			if call.ID == "" {
				call.ID = firstNonEmpty(msg.FunctionCallID, msg.ID)
			}
			call.Input = decodeArguments(fn.Arguments)
			calls = append(calls, call)
		}
		return calls
	}

	name := firstNonEmpty(msg.FunctionName, msg.Name)
	if name == "" {
		return nil
	}
	return []FunctionCall{{
		ID:    firstNonEmpty(msg.FunctionCallID, msg.ID),
		Name:  name,
		Input: msg.Input,
	}}
}

// decodeArguments tolerates arguments arriving as an object or as a
// JSON-encoded string of an object.
func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return obj
		}
	}
	return nil
}

// AgentError is a typed Error event.
type AgentError struct {
	Code        string
	Description string
}

func (e Event) AsError() AgentError {
	var msg struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	}
	_ = json.Unmarshal(e.Raw, &msg)
	if msg.Description == "" {
		msg.Description = "unknown error"
	}
	return AgentError{Code: msg.Code, Description: msg.Description}
}

// FunctionCallResponse answers a FunctionCallRequest.
type FunctionCallResponse struct {
	Type           string `json:"type"`
	FunctionCallID string `json:"function_call_id"`
	Output         any    `json:"output"`
}

func NewFunctionCallResponse(callID string, output any) FunctionCallResponse {
	return FunctionCallResponse{
		Type:           "FunctionCallResponse",
		FunctionCallID: callID,
		Output:         output,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
