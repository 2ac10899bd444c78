package fsm

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the Event sum type
type EventType string

// Event types
const (
	EventUserMessage     EventType = "user_message"
	EventRAGResult       EventType = "rag_result"
	EventPluginResult    EventType = "plugin_result"
	EventContinue        EventType = "continue"
	EventUnexpectedInput EventType = "unexpected_input"
)

// Event is the single input a machine reacts to in one step
type Event interface {
	EventType() EventType
	isEvent()
}

// UserMessage is an inbound message from the channel
type UserMessage struct {
	Message Message
}

// Chunk is one retrieval hit
type Chunk struct {
	Chunk    string         `json:"chunk"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RAGResult resumes a machine waiting in WaitForCallback
type RAGResult struct {
	Chunks []Chunk
}

// PluginResult resumes a machine waiting in WaitForPlugin
type PluginResult struct {
	Payload map[string]any
}

// Continue drives a machine that reported MoveForward or WaitForMe
type Continue struct{}

// UnexpectedInput replaces a user message that arrives while the machine is
// waiting on a callback. The machine decides whether to queue, reject or reset.
type UnexpectedInput struct {
	Awaiting Status
	Message  Message
}

func (UserMessage) EventType() EventType     { return EventUserMessage }
func (RAGResult) EventType() EventType       { return EventRAGResult }
func (PluginResult) EventType() EventType    { return EventPluginResult }
func (Continue) EventType() EventType        { return EventContinue }
func (UnexpectedInput) EventType() EventType { return EventUnexpectedInput }

func (UserMessage) isEvent()     {}
func (RAGResult) isEvent()       {}
func (PluginResult) isEvent()    {}
func (Continue) isEvent()        {}
func (UnexpectedInput) isEvent() {}

type wireEvent struct {
	Type     EventType       `json:"type"`
	Message  json.RawMessage `json:"message,omitempty"`
	Chunks   []Chunk         `json:"chunks,omitempty"`
	Payload  map[string]any  `json:"payload,omitempty"`
	Awaiting *Status         `json:"awaiting,omitempty"`
}

// EncodeEvent renders an event for the turn audit record
func EncodeEvent(e Event) (json.RawMessage, error) {
	w := wireEvent{Type: e.EventType()}
	switch v := e.(type) {
	case UserMessage:
		msg, err := EncodeMessage(v.Message)
		if err != nil {
			return nil, err
		}
		w.Message = msg
	case UnexpectedInput:
		msg, err := EncodeMessage(v.Message)
		if err != nil {
			return nil, err
		}
		w.Message = msg
		awaiting := v.Awaiting
		w.Awaiting = &awaiting
	case RAGResult:
		w.Chunks = v.Chunks
	case PluginResult:
		w.Payload = v.Payload
	case Continue:
	default:
		return nil, fmt.Errorf("unsupported event %T", e)
	}
	return json.Marshal(w)
}

// DecodeEvent parses an event recorded by EncodeEvent, so a turn can be replayed
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch w.Type {
	case EventUserMessage, EventUnexpectedInput:
		msg, err := DecodeMessage(w.Message)
		if err != nil {
			return nil, err
		}
		if w.Type == EventUserMessage {
			return UserMessage{Message: msg}, nil
		}
		awaiting := WaitForCallback
		if w.Awaiting != nil {
			awaiting = *w.Awaiting
		}
		return UnexpectedInput{Awaiting: awaiting, Message: msg}, nil
	case EventRAGResult:
		return RAGResult{Chunks: w.Chunks}, nil
	case EventPluginResult:
		return PluginResult{Payload: w.Payload}, nil
	case EventContinue:
		return Continue{}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", w.Type)
}
