package concierge

import "encoding/json"

// serverEvent is the subset of realtime server events the hub reads.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Name       string `json:"name"`
	CallID     string `json:"call_id"`
	Arguments  string `json:"arguments"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type clientEvent struct {
	Type     string          `json:"type"`
	Audio    string          `json:"audio,omitempty"`
	Item     *item           `json:"item,omitempty"`
	Session  *sessionConfig  `json:"session,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

type item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sessionConfig struct {
	Type         string     `json:"type"`
	Instructions string     `json:"instructions"`
	Audio        audioSetup `json:"audio"`
	Tools        []tool     `json:"tools"`
	ToolChoice   string     `json:"tool_choice"`
}

type audioSetup struct {
	Input  audioInput  `json:"input"`
	Output audioOutput `json:"output"`
}

type audioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

type audioInput struct {
	Format        audioFormat   `json:"format"`
	Transcription transcription `json:"transcription"`
	TurnDetection turnDetection `json:"turn_detection"`
}

type transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type audioOutput struct {
	Format audioFormat `json:"format"`
	Voice  string      `json:"voice"`
}

func systemMessage(text string) clientEvent {
	return clientEvent{
		Type: "conversation.item.create",
		Item: &item{Type: "message", Role: "system", Content: []itemContent{{Type: "input_text", Text: text}}},
	}
}

func toolOutput(callID string, output []byte) clientEvent {
	return clientEvent{
		Type: "conversation.item.create",
		Item: &item{Type: "function_call_output", CallID: callID, Output: string(output)},
	}
}
