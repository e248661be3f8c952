package concierge

// Event is delivered to subscribers of a Client.
type Event interface{ isEvent() }

// AudioReceived carries PCM16 mono audio at the session rate.
type AudioReceived struct{ PCM []byte }

// SpeechStarted means the caller started talking over the assistant.
type SpeechStarted struct{}

// ResponseDone means the assistant finished sending audio for a response.
type ResponseDone struct{}

// ConversationEnded is emitted once per conversation.
type ConversationEnded struct{ Reason string }

func (AudioReceived) isEvent()     {}
func (SpeechStarted) isEvent()     {}
func (ResponseDone) isEvent()      {}
func (ConversationEnded) isEvent() {}
