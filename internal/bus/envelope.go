package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "conversation-orchestrator/backend/pkg/errors"
)

// Source names the component that produced an envelope
type Source string

// Envelope sources
const (
	SourceChannel   Source = "channel"
	SourceFlow      Source = "flow"
	SourceRetriever Source = "retriever"
	SourcePlugin    Source = "plugin"
)

// Intent discriminates the envelope payload
type Intent string

// Envelope intents
const (
	IntentChannelInput   Intent = "channel_input"
	IntentChannelOutput  Intent = "channel_output"
	IntentRAGRequest     Intent = "rag_request"
	IntentPluginRequest  Intent = "plugin_request"
	IntentCallback       Intent = "callback"
	IntentLanguageChange Intent = "language_change"
	IntentFlowError      Intent = "flow_error"
)

// CallbackType tells the flow which kind of call a callback answers
type CallbackType string

// Callback types
const (
	CallbackRAG     CallbackType = "RAG"
	CallbackPlugin  CallbackType = "PLUGIN"
	CallbackChannel CallbackType = "CHANNEL"
)

// ParseCallbackType normalises a callback type; empty means PLUGIN
func ParseCallbackType(s string) (CallbackType, error) {
	switch CallbackType(strings.ToUpper(strings.TrimSpace(s))) {
	case "", CallbackPlugin:
		return CallbackPlugin, nil
	case CallbackRAG:
		return CallbackRAG, nil
	case CallbackChannel:
		return CallbackChannel, nil
	}
	return "", apperrors.NewValidationError("INVALID_CALLBACK_TYPE", fmt.Sprintf("unknown callback type %q", s))
}

// Callback carries the correlation token back to the flow
type Callback struct {
	CallbackType CallbackType    `json:"callbackType"`
	Token        string          `json:"token"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// RAGRequest asks the retrieval service for chunks
type RAGRequest struct {
	Query          string `json:"query"`
	CollectionName string `json:"collection_name,omitempty"`
	TopK           int    `json:"top_chunk_k_value"`
	Token          string `json:"token"`
}

// PluginRequest asks a plugin executor to run
type PluginRequest struct {
	Plugin string         `json:"plugin"`
	Input  map[string]any `json:"input,omitempty"`
	Token  string         `json:"token"`
}

// FlowError reports a failed turn to the channel
type FlowError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the unit exchanged on every topic
type Envelope struct {
	Source    Source          `json:"source"`
	Intent    Intent          `json:"intent"`
	SessionID string          `json:"sessionId,omitempty"`
	TurnID    string          `json:"turnId,omitempty"`
	BotID     string          `json:"botId,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	RAG       *RAGRequest     `json:"rag,omitempty"`
	Plugin    *PluginRequest  `json:"plugin,omitempty"`
	Language  string          `json:"language,omitempty"`
	Error     *FlowError      `json:"error,omitempty"`
	Callback  *Callback       `json:"callback,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Key is the partition key; all envelopes of a conversation share it
func (e Envelope) Key() string {
	if e.ChannelID != "" {
		return e.ChannelID
	}
	return e.SessionID
}

func invalidEnvelope(intent Intent, field string) error {
	return apperrors.NewValidationError(
		"INVALID_ENVELOPE",
		fmt.Sprintf("%s envelope requires %s", intent, field),
	).WithDetails(map[string]string{"intent": string(intent), "field": field})
}

// Validate checks that the payload required by the intent is present
func (e Envelope) Validate() error {
	switch e.Intent {
	case IntentChannelInput:
		if e.ChannelID == "" {
			return invalidEnvelope(e.Intent, "channelId")
		}
		if len(e.Message) == 0 {
			return invalidEnvelope(e.Intent, "message")
		}
	case IntentChannelOutput:
		if e.ChannelID == "" {
			return invalidEnvelope(e.Intent, "channelId")
		}
		if len(e.Message) == 0 {
			return invalidEnvelope(e.Intent, "message")
		}
	case IntentRAGRequest:
		if e.RAG == nil || strings.TrimSpace(e.RAG.Query) == "" {
			return invalidEnvelope(e.Intent, "rag.query")
		}
		if e.RAG.Token == "" {
			return invalidEnvelope(e.Intent, "rag.token")
		}
	case IntentPluginRequest:
		if e.Plugin == nil || e.Plugin.Plugin == "" {
			return invalidEnvelope(e.Intent, "plugin.plugin")
		}
		if e.Plugin.Token == "" {
			return invalidEnvelope(e.Intent, "plugin.token")
		}
	case IntentCallback:
		if e.Callback == nil {
			return invalidEnvelope(e.Intent, "callback")
		}
		if _, err := ParseCallbackType(string(e.Callback.CallbackType)); err != nil || e.Callback.CallbackType == "" {
			return invalidEnvelope(e.Intent, "callback.callbackType")
		}
		if e.Callback.Token == "" {
			return invalidEnvelope(e.Intent, "callback.token")
		}
	case IntentLanguageChange:
		if e.Language == "" {
			return invalidEnvelope(e.Intent, "language")
		}
	case IntentFlowError:
		if e.Error == nil {
			return invalidEnvelope(e.Intent, "error")
		}
	default:
		return apperrors.NewValidationError("INVALID_ENVELOPE", fmt.Sprintf("unknown intent %q", e.Intent))
	}
	return nil
}

// Encode validates and serializes an envelope
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates an envelope. Any failure is a poison message:
// retrying it can never succeed.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, apperrors.NewPoisonMessageError("POISON_MESSAGE", "envelope is not valid JSON", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, apperrors.NewPoisonMessageError("POISON_MESSAGE", "envelope failed validation", err)
	}
	return e, nil
}

// NewChannelInput builds the envelope a connector publishes for a user message
func NewChannelInput(channelID string, message json.RawMessage) (Envelope, error) {
	e := Envelope{
		Source:    SourceChannel,
		Intent:    IntentChannelInput,
		ChannelID: channelID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	return e, e.Validate()
}

// NewCallback builds the envelope a retrieval service, plugin or connector
// publishes in answer to answering. The answer inherits its session and
// channel, so it is keyed to the same partition as the rest of the
// conversation.
func NewCallback(answering Envelope, source Source, callbackType CallbackType, token string, payload json.RawMessage) (Envelope, error) {
	e := Envelope{
		Source:    source,
		Intent:    IntentCallback,
		SessionID: answering.SessionID,
		TurnID:    answering.TurnID,
		BotID:     answering.BotID,
		ChannelID: answering.ChannelID,
		Callback: &Callback{
			CallbackType: callbackType,
			Token:        token,
			Payload:      payload,
		},
		CreatedAt: time.Now().UTC(),
	}
	return e, e.Validate()
}
