package fsm

import (
	"encoding/json"
	"fmt"

	apperrors "conversation-orchestrator/backend/pkg/errors"
)

// Intent discriminates the Action sum type
type Intent string

// Action intents
const (
	IntentSendMessage       Intent = "SEND_MESSAGE"
	IntentRAGCall           Intent = "RAG_CALL"
	IntentPluginCall        Intent = "PLUGIN_CALL"
	IntentConversationReset Intent = "CONVERSATION_RESET"
	IntentLanguageChange    Intent = "LANGUAGE_CHANGE"
)

// DefaultTopK is the number of chunks requested when a RAG call leaves it unset
const DefaultTopK = 5

// Action is an effect emitted by a machine. Fields are unexported so an
// action only exists in a form its constructor accepted.
type Action interface {
	Intent() Intent
	validate() error
}

// SendMessage delivers a message to the session's channel
type SendMessage struct {
	message Message
}

// RAGCall asks the retrieval service for chunks matching a query
type RAGCall struct {
	query      string
	collection string
	topK       int
}

// PluginCall hands work to an external plugin executor
type PluginCall struct {
	plugin string
	input  map[string]any
}

// ConversationReset clears the session's variables and ends the conversation
type ConversationReset struct{}

// LanguageChange records a new language preference
type LanguageChange struct {
	language string
}

func (SendMessage) Intent() Intent       { return IntentSendMessage }
func (RAGCall) Intent() Intent           { return IntentRAGCall }
func (PluginCall) Intent() Intent        { return IntentPluginCall }
func (ConversationReset) Intent() Intent { return IntentConversationReset }
func (LanguageChange) Intent() Intent    { return IntentLanguageChange }

func invalidAction(intent Intent, field string) error {
	return apperrors.NewValidationError(
		"INVALID_ACTION",
		fmt.Sprintf("%s requires %s", intent, field),
	).WithDetails(map[string]string{"intent": string(intent), "field": field})
}

// NewSendMessage wraps a message, validating it first
func NewSendMessage(m Message) (SendMessage, error) {
	a := SendMessage{message: m}
	if err := a.validate(); err != nil {
		return SendMessage{}, err
	}
	return a, nil
}

// NewRAGCall builds a retrieval request. A topK of zero or less uses DefaultTopK.
func NewRAGCall(query, collection string, topK int) (RAGCall, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	a := RAGCall{query: query, collection: collection, topK: topK}
	if err := a.validate(); err != nil {
		return RAGCall{}, err
	}
	return a, nil
}

// NewPluginCall builds a plugin request
func NewPluginCall(plugin string, input map[string]any) (PluginCall, error) {
	if input == nil {
		input = map[string]any{}
	}
	a := PluginCall{plugin: plugin, input: input}
	if err := a.validate(); err != nil {
		return PluginCall{}, err
	}
	return a, nil
}

// NewConversationReset builds a reset action
func NewConversationReset() ConversationReset {
	return ConversationReset{}
}

// NewLanguageChange builds a language preference update
func NewLanguageChange(language string) (LanguageChange, error) {
	a := LanguageChange{language: language}
	if err := a.validate(); err != nil {
		return LanguageChange{}, err
	}
	return a, nil
}

// Message returns the message to deliver
func (a SendMessage) Message() Message { return a.message }

// Query returns the retrieval query
func (a RAGCall) Query() string { return a.query }

// Collection returns the collection to search, empty for the bot default
func (a RAGCall) Collection() string { return a.collection }

// TopK returns how many chunks to request
func (a RAGCall) TopK() int { return a.topK }

// Plugin returns the plugin name
func (a PluginCall) Plugin() string { return a.plugin }

// Input returns the plugin input
func (a PluginCall) Input() map[string]any { return a.input }

// Language returns the requested language
func (a LanguageChange) Language() string { return a.language }

func (a SendMessage) validate() error {
	if a.message == nil {
		return invalidAction(IntentSendMessage, "message")
	}
	return a.message.Validate()
}

func (a RAGCall) validate() error {
	if blank(a.query) {
		return invalidAction(IntentRAGCall, "rag_query")
	}
	return nil
}

func (a PluginCall) validate() error {
	if blank(a.plugin) {
		return invalidAction(IntentPluginCall, "plugin")
	}
	return nil
}

func (ConversationReset) validate() error { return nil }

func (a LanguageChange) validate() error {
	if blank(a.language) {
		return invalidAction(IntentLanguageChange, "language")
	}
	return nil
}

// IsAsync reports whether the action suspends the turn until a callback
func IsAsync(a Action) bool {
	switch a.(type) {
	case RAGCall, PluginCall:
		return true
	}
	return false
}

type wireAction struct {
	Intent      Intent          `json:"intent"`
	Message     json.RawMessage `json:"message,omitempty"`
	RAGQuery    string          `json:"rag_query,omitempty"`
	Collection  string          `json:"collection_name,omitempty"`
	TopK        int             `json:"top_chunk_k_value,omitempty"`
	Plugin      string          `json:"plugin,omitempty"`
	PluginInput map[string]any  `json:"plugin_input,omitempty"`
	Language    string          `json:"language,omitempty"`
}

// EncodeAction renders an action as {"intent": ..., <payload>}
func EncodeAction(a Action) (json.RawMessage, error) {
	if a == nil {
		return nil, apperrors.NewValidationError("INVALID_ACTION", "action is required")
	}
	if err := a.validate(); err != nil {
		return nil, err
	}

	w := wireAction{Intent: a.Intent()}
	switch v := a.(type) {
	case SendMessage:
		msg, err := EncodeMessage(v.message)
		if err != nil {
			return nil, err
		}
		w.Message = msg
	case RAGCall:
		w.RAGQuery = v.query
		w.Collection = v.collection
		w.TopK = v.topK
	case PluginCall:
		w.Plugin = v.plugin
		w.PluginInput = v.input
	case LanguageChange:
		w.Language = v.language
	}
	return json.Marshal(w)
}

// DecodeAction parses the wire form of an action and validates it
func DecodeAction(data []byte) (Action, error) {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperrors.NewValidationError("INVALID_ACTION", "action is not valid JSON").WithDetails(err.Error())
	}

	switch w.Intent {
	case IntentSendMessage:
		if len(w.Message) == 0 {
			return nil, invalidAction(IntentSendMessage, "message")
		}
		msg, err := DecodeMessage(w.Message)
		if err != nil {
			return nil, err
		}
		return NewSendMessage(msg)
	case IntentRAGCall:
		return NewRAGCall(w.RAGQuery, w.Collection, w.TopK)
	case IntentPluginCall:
		return NewPluginCall(w.Plugin, w.PluginInput)
	case IntentConversationReset:
		return NewConversationReset(), nil
	case IntentLanguageChange:
		return NewLanguageChange(w.Language)
	}
	return nil, apperrors.NewValidationError("INVALID_ACTION", fmt.Sprintf("unknown intent %q", w.Intent))
}
